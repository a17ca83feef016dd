package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loomvm/loom/internal/model"
	"github.com/loomvm/loom/internal/store"
)

// ErrNotActive is returned for operations against a session that has no live
// hypervisor process.
var ErrNotActive = errors.New("session not active")

// LaunchSpec describes the machine a session should boot.
type LaunchSpec struct {
	Image        string
	CPUs         int
	MemMB        int
	Ephemeral    bool
	ExtraSerials int
	MACs         []string

	// ConsoleSink receives everything the guest writes to its primary
	// serial console.
	ConsoleSink io.Writer
}

// Instance is one live hypervisor session under engine control.
type Instance interface {
	PID() int
	Workspace() string
	TakeSnapshot(name string) error
	DeleteSnapshot(name string) error
	GotoSnapshot(name string) error
	Snapshots() ([]string, error)
	Close() error
}

// Launcher boots instances. The hypervisor-backed implementation lives in
// launcher.go; tests substitute fakes.
type Launcher interface {
	Launch(spec LaunchSpec) (Instance, error)
}

// activeSession pairs a live instance with a mutex serializing its monitor
// dialogue. Snapshot operations talk to a single prompt-driven control
// socket, so only one may be in flight per session.
type activeSession struct {
	mu   sync.Mutex
	inst Instance
}

// Engine orchestrates asynchronous session lifecycle: booting hypervisor
// instances, routing snapshot operations to them, and keeping the store in
// sync with what is actually running.
type Engine struct {
	store    store.Store
	launcher Launcher
	logger   *slog.Logger
	broker   *ConsoleBroker
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeSession
}

// NewEngine creates a new session engine.
func NewEngine(s store.Store, l Launcher, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		launcher: l,
		logger:   logger,
		broker:   NewConsoleBroker(),
		active:   make(map[string]*activeSession),
	}
}

// Broker returns the engine's console broker for streaming subscription.
func (e *Engine) Broker() *ConsoleBroker {
	return e.broker
}

// Create persists a session record and launches the boot asynchronously.
// The session is stored with status "created" before returning. The goroutine
// operates on a copy of the session to avoid data races with the caller.
func (e *Engine) Create(ctx context.Context, sess *model.Session) error {
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	sCopy := *sess
	e.wg.Go(func() {
		e.boot(&sCopy)
	})

	return nil
}

// Wait blocks until all in-flight boot goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// boot runs the session boot lifecycle in a goroutine:
// created→starting→running, or failed.
func (e *Engine) boot(sess *model.Session) {
	ctx := context.Background()

	if err := e.store.UpdateSessionStatus(ctx, sess.ID, model.StatusStarting); err != nil {
		e.logger.Error("failed to transition to starting", "session_id", sess.ID, "error", err)
		e.finishFailed(sess.ID, fmt.Sprintf("failed to start: %v", err))
		return
	}

	// Console lines flow to the broker for live streaming.
	sink := newLineWriter(func(line string) {
		e.broker.Publish(sess.ID, line)
	})

	inst, err := e.launcher.Launch(LaunchSpec{
		Image:        sess.Image,
		CPUs:         sess.CPUs,
		MemMB:        sess.MemMB,
		Ephemeral:    sess.Ephemeral,
		ExtraSerials: sess.ExtraSerials,
		MACs:         sess.MACs,
		ConsoleSink:  sink,
	})
	if err != nil {
		e.finishFailed(sess.ID, err.Error())
		e.broker.Close(sess.ID)
		return
	}

	e.mu.Lock()
	e.active[sess.ID] = &activeSession{inst: inst}
	e.mu.Unlock()

	pid := inst.PID()
	now := time.Now().UTC()
	sess.Status = model.StatusRunning
	sess.PID = &pid
	sess.Workspace = inst.Workspace()
	sess.StartedAt = &now
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		e.logger.Error("failed to update running session", "session_id", sess.ID, "error", err)
	}
	e.logger.Info("session running", "session_id", sess.ID, "pid", pid)
}

// finishFailed marks a session as failed with the given error message. The
// stored record is re-read first so fields written at create time (MACs,
// workspace, pid) survive the failure update.
func (e *Engine) finishFailed(id, errMsg string) {
	ctx := context.Background()
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		e.logger.Error("failed to load session for failure update", "session_id", id, "error", err)
		return
	}

	now := time.Now().UTC()
	sess.Status = model.StatusFailed
	sess.Error = errMsg
	sess.StoppedAt = &now
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		e.logger.Error("failed to update failed session", "session_id", id, "error", err)
	}
}

// lookup returns the active entry for a session, or ErrNotActive.
func (e *Engine) lookup(id string) (*activeSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	as, ok := e.active[id]
	if !ok {
		return nil, ErrNotActive
	}
	return as, nil
}

// TakeSnapshot records the full machine state under the given name.
func (e *Engine) TakeSnapshot(ctx context.Context, id, name string) error {
	return e.snapshotOp(ctx, id, model.ActionTake, name, func(inst Instance) error {
		return inst.TakeSnapshot(name)
	})
}

// DeleteSnapshot removes the named snapshot.
func (e *Engine) DeleteSnapshot(ctx context.Context, id, name string) error {
	return e.snapshotOp(ctx, id, model.ActionDelete, name, func(inst Instance) error {
		return inst.DeleteSnapshot(name)
	})
}

// RestoreSnapshot rolls the machine back to the named snapshot.
func (e *Engine) RestoreSnapshot(ctx context.Context, id, name string) error {
	return e.snapshotOp(ctx, id, model.ActionRestore, name, func(inst Instance) error {
		return inst.GotoSnapshot(name)
	})
}

// ListSnapshots returns the snapshot names present on the session's disks.
func (e *Engine) ListSnapshots(ctx context.Context, id string) ([]string, error) {
	as, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.inst.Snapshots()
}

// snapshotOp serializes the operation against the session's monitor and
// records the outcome as a snapshot event.
func (e *Engine) snapshotOp(ctx context.Context, id, action, name string, op func(Instance) error) error {
	as, err := e.lookup(id)
	if err != nil {
		return err
	}

	as.mu.Lock()
	opErr := op(as.inst)
	as.mu.Unlock()

	errMsg := ""
	if opErr != nil {
		errMsg = opErr.Error()
	}
	if err := e.store.InsertSnapshotEvent(ctx, id, action, name, errMsg); err != nil {
		e.logger.Error("failed to record snapshot event",
			"session_id", id, "action", action, "name", name, "error", err)
	}
	return opErr
}

// Stop tears down a running session and marks it stopped. Stopping a session
// that is not active returns ErrNotActive.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	as, ok := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	as.mu.Lock()
	err := as.inst.Close()
	as.mu.Unlock()
	e.broker.Close(id)

	if err != nil {
		e.logger.Error("session teardown reported error", "session_id", id, "error", err)
	}
	if err := e.store.UpdateSessionStatus(ctx, id, model.StatusStopped); err != nil {
		return fmt.Errorf("mark session stopped: %w", err)
	}
	return nil
}

// ActiveCount returns the number of sessions with a live hypervisor process.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Active reports whether the session has a live hypervisor process.
func (e *Engine) Active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// Shutdown waits for in-flight boots, then stops every active session.
// Boots are waited out first: a boot that finishes mid-shutdown registers
// itself in the active set, and stopping before the wait would miss it and
// leak the instance.
func (e *Engine) Shutdown(ctx context.Context) {
	e.wg.Wait()

	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotActive) {
			e.logger.Error("failed to stop session during shutdown", "session_id", id, "error", err)
		}
	}
}
