package vm

import "errors"

// Error kinds surfaced by session operations. Callers distinguish them with
// errors.Is; everything else propagates as wrapped underlying errors.
var (
	// ErrConnectTimeout means a control socket never became reachable within
	// the retry ceiling.
	ErrConnectTimeout = errors.New("control socket connect timed out")

	// ErrNotReady means the pid file was never populated with a parseable
	// value within the retry ceiling.
	ErrNotReady = errors.New("pid file not ready")

	// ErrTerminateFailed means the hypervisor process survived repeated
	// signalling; the process may be leaked.
	ErrTerminateFailed = errors.New("hypervisor did not exit")

	// ErrSnapshotNotFound means a restore referenced a snapshot name absent
	// from the disk image. Recoverable, but the machine is left paused.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrImageTool means a disk image tool invocation exited non-zero.
	ErrImageTool = errors.New("disk image tool failed")

	// ErrPromptTimeout means the prompt marker was not observed before the
	// dialogue timeout. Not automatically fatal; callers decide.
	ErrPromptTimeout = errors.New("timed out waiting for monitor prompt")
)
