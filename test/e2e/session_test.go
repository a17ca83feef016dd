package e2e

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomvm/loom/internal/vm"
)

// writeFakeHypervisor installs a shell script standing in for QEMU: it finds
// the -pidfile argument, records its own pid there, and sleeps until
// signalled. Socket endpoints are served by the test, not the script.
func writeFakeHypervisor(t *testing.T) string {
	t.Helper()

	script := `#!/bin/sh
pidfile=""
while [ $# -gt 0 ]; do
	if [ "$1" = "-pidfile" ]; then
		pidfile="$2"
	fi
	shift
done
echo $$ > "$pidfile"
exec sleep 60
`
	path := filepath.Join(t.TempDir(), "qemu-system-x86_64")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake hypervisor: %v", err)
	}
	return path
}

// writeFakeImageTool installs a no-op qemu-img substitute.
func writeFakeImageTool(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "qemu-img")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake image tool: %v", err)
	}
	return path
}

// fakeMonitor serves a scripted QEMU monitor on a unix socket: a greeting
// prompt on connect, then one prompt-terminated reply per command line.
type fakeMonitor struct {
	mu      sync.Mutex
	cmds    []string
	replies map[string]string
}

func (m *fakeMonitor) listen(t *testing.T, socketPath string) {
	t.Helper()

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen monitor: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("QEMU monitor\n(qemu) ")); err != nil {
			return
		}
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			cmd := scanner.Text()
			m.mu.Lock()
			m.cmds = append(m.cmds, cmd)
			reply := m.replies[cmd]
			m.mu.Unlock()
			if _, err := conn.Write([]byte(reply + "(qemu) ")); err != nil {
				return
			}
		}
	}()
}

func (m *fakeMonitor) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cmds)
}

// fakeSerial serves a unix socket that emits console text once connected.
func fakeSerial(t *testing.T, socketPath, text string) {
	t.Helper()

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen serial: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte(text))
		// Hold the connection open until the session tears it down.
		io.Copy(io.Discard, conn)
		conn.Close()
	}()
}

// syncBuffer is a goroutine-safe console sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newSessionUnderTest(t *testing.T, sink io.Writer, mon *fakeMonitor) *vm.Session {
	t.Helper()

	vmcfg := vm.Config{
		HypervisorBin: writeFakeHypervisor(t),
		ImageBin:      writeFakeImageTool(t),
		WorkspaceRoot: t.TempDir(),
		SettleDelay:   0,
	}

	disk := vm.NewDisk(filepath.Join(t.TempDir(), "base.qcow2"))
	cfg := vm.SessionConfig{
		CPUs:        1,
		MemMB:       256,
		Disks:       []*vm.Disk{disk},
		Ephemeral:   true,
		ConsoleSink: sink,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess, err := vm.NewSession(cfg, vmcfg, nil, logger)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	// The control sockets are served here; the fake hypervisor only writes
	// its pid file.
	mon.listen(t, filepath.Join(sess.Workspace(), "monitor.sock"))
	fakeSerial(t, filepath.Join(sess.Workspace(), "serial_0.sock"), "loom guest ready\nlogin: ")

	return sess
}

func TestSessionLifecycle(t *testing.T) {
	sink := &syncBuffer{}
	mon := &fakeMonitor{replies: map[string]string{}}
	sess := newSessionUnderTest(t, sink, mon)

	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.PID() <= 0 {
		t.Errorf("expected discovered pid, got %d", sess.PID())
	}

	// Console output flows to the sink through the serial pump.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(sink.String(), "loom guest ready") {
		if time.Now().After(deadline) {
			t.Fatalf("console text never reached sink, have %q", sink.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := sess.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(sess.Workspace()); !os.IsNotExist(err) {
		t.Error("workspace not removed by close")
	}
}

func TestSessionSnapshotDialogues(t *testing.T) {
	mon := &fakeMonitor{replies: map[string]string{
		"info snapshots": "List of snapshots present on all disks:\n" +
			"ID        TAG               VM SIZE                DATE     VM CLOCK\n" +
			"1         checkpoint        486 MiB 2024-03-01 10:05:12 00:03:44.260\n",
		"loadvm ghost": "Error: Device 'ide0-hd0' does not have the requested snapshot 'ghost'\n",
	}}
	sess := newSessionUnderTest(t, io.Discard, mon)

	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := sess.TakeSnapshot("checkpoint"); err != nil {
		t.Fatalf("take snapshot: %v", err)
	}
	names, err := sess.Snapshots()
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if !slices.Equal(names, []string{"checkpoint"}) {
		t.Errorf("expected [checkpoint], got %v", names)
	}

	if err := sess.GotoSnapshot("ghost"); !errors.Is(err, vm.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	if err := sess.GotoSnapshot("checkpoint"); err != nil {
		t.Fatalf("restore snapshot: %v", err)
	}
	if err := sess.DeleteSnapshot("checkpoint"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}

	got := mon.commands()
	want := []string{
		"stop", "savevm checkpoint", "cont",
		"info snapshots",
		"stop", "loadvm ghost",
		"stop", "loadvm checkpoint", "cont",
		"delvm checkpoint",
	}
	if !slices.Equal(got, want) {
		t.Errorf("monitor dialogue mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestSessionSnapshotsRequireRunning(t *testing.T) {
	mon := &fakeMonitor{replies: map[string]string{}}
	sess := newSessionUnderTest(t, io.Discard, mon)

	if err := sess.TakeSnapshot("early"); err == nil {
		t.Error("expected take before start to fail")
	}
	if _, err := sess.Snapshots(); err == nil {
		t.Error("expected list before start to fail")
	}
}
