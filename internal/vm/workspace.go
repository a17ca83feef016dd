package vm

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the per-session scratch directory holding socket files,
// transcript logs and the pid file. Removed in full on cleanup.
type Workspace struct {
	Root string
}

// NewWorkspace allocates a fresh session directory under parent.
// An empty parent means the system temp directory.
func NewWorkspace(parent string) (Workspace, error) {
	dir, err := os.MkdirTemp(parent, "loom-session-")
	if err != nil {
		return Workspace{}, fmt.Errorf("create session workspace: %w", err)
	}
	return Workspace{Root: dir}, nil
}

// PIDFile is where the hypervisor writes its process identity.
func (w Workspace) PIDFile() string {
	return filepath.Join(w.Root, "hypervisor.pid")
}

// MonitorSocket is the snapshot-control endpoint socket.
func (w Workspace) MonitorSocket() string {
	return filepath.Join(w.Root, "monitor.sock")
}

// MonitorLog is the monitor dialogue transcript.
func (w Workspace) MonitorLog() string {
	return filepath.Join(w.Root, "monitor.log")
}

// SerialSocket is the socket for serial console i.
func (w Workspace) SerialSocket(i int) string {
	return filepath.Join(w.Root, fmt.Sprintf("serial_%d.sock", i))
}

// SerialLog is the transcript for serial console i.
func (w Workspace) SerialLog(i int) string {
	return filepath.Join(w.Root, fmt.Sprintf("serial_%d.log", i))
}

// LaunchLog captures the hypervisor's own stdout/stderr.
func (w Workspace) LaunchLog() string {
	return filepath.Join(w.Root, "hypervisor.log")
}

// Remove deletes the workspace recursively. Safe to call more than once.
func (w Workspace) Remove() error {
	if w.Root == "" {
		return nil
	}
	return os.RemoveAll(w.Root)
}
