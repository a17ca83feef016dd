package vm

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/loomvm/loom/internal/netprov"
)

// BridgeProvisioner is the slice of the network provisioner a session needs:
// one bridge per adapter on start, deleted on teardown. netprov.Provisioner
// satisfies it.
type BridgeProvisioner interface {
	Create(ad netprov.Adapter) (netprov.Bridge, error)
	Delete(br netprov.Bridge) error
}

// SessionConfig assembles one hypervisor launch.
type SessionConfig struct {
	// CPUs and MemMB size the machine. Zero values select the defaults.
	CPUs  int
	MemMB int

	// Disks are attached in order. Ownership stays with the caller; the
	// session pushes/pops ephemeral layers on them.
	Disks []*Disk

	// Adapters are guest network adapters; each gets a host bridge from the
	// provisioner.
	Adapters []netprov.Adapter

	// Kernel and KernelArgs select direct kernel boot when set.
	Kernel     string
	KernelArgs string

	// BootOrder is the optional -boot value.
	BootOrder string

	// ExtraSerials is the number of serial consoles beyond the first.
	ExtraSerials int

	// Ephemeral pushes a throwaway top layer on every disk at start, so all
	// writes from this session are discarded with the workspace.
	Ephemeral bool

	// GuestCID adds a vsock device with this context ID when non-zero.
	GuestCID uint32

	// ExtraArgs are appended to the launch argv verbatim.
	ExtraArgs []string

	// ConsoleSink, when set, additionally receives everything read from
	// serial console 0, alongside the transcript file.
	ConsoleSink io.Writer
}

func (cfg SessionConfig) withDefaults() SessionConfig {
	if cfg.CPUs <= 0 {
		cfg.CPUs = DefaultCPUs
	}
	if cfg.MemMB <= 0 {
		cfg.MemMB = DefaultMemMB
	}
	return cfg
}

// Session owns one hypervisor process, its scratch workspace, its control
// endpoints and its provisioned bridges. Lifecycle: NewSession allocates the
// workspace, Start launches and attaches, Stop tears the process and its
// resources down, Close stops if needed and removes the workspace. A stopped
// session is not restartable; endpoints are bound to one process lifetime.
type Session struct {
	cfg     SessionConfig
	ws      Workspace
	sup     *Supervisor
	network BridgeProvisioner
	logger  *slog.Logger
	settle  time.Duration

	bridges []netprov.Bridge
	serials []*Endpoint
	monitor *Endpoint
	coord   *Coordinator
	running bool
	stopped bool
}

// NewSession allocates a workspace for the configured machine. The network
// provisioner may be nil when the config has no adapters.
func NewSession(cfg SessionConfig, vmcfg Config, network BridgeProvisioner, logger *slog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Adapters) > 0 && network == nil {
		return nil, fmt.Errorf("session has %d adapters but no network provisioner", len(cfg.Adapters))
	}

	for _, d := range cfg.Disks {
		if d.ImageBin == "" || d.ImageBin == DefaultImageBin {
			d.ImageBin = vmcfg.ImageBin
		}
	}

	ws, err := NewWorkspace(vmcfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:     cfg,
		ws:      ws,
		sup:     NewSupervisor(vmcfg.HypervisorBin, logger),
		network: network,
		logger:  logger,
		settle:  vmcfg.SettleDelay,
	}, nil
}

// Workspace returns the session's scratch directory.
func (s *Session) Workspace() string {
	return s.ws.Root
}

// PID returns the hypervisor's process identity once discovered.
func (s *Session) PID() int {
	return s.sup.PID()
}

// Monitor returns the snapshot-control endpoint. Valid only while running.
func (s *Session) Monitor() *Endpoint {
	return s.monitor
}

// Serial returns serial console endpoint i. Valid only while running. When a
// ConsoleSink is configured, console 0 is owned by its pump and must not be
// used for dialogues.
func (s *Session) Serial(i int) *Endpoint {
	return s.serials[i]
}

// Start prepares the disks, provisions the network, launches the hypervisor
// and attaches every control endpoint. On any failure everything already
// acquired is released before returning.
func (s *Session) Start() error {
	if s.running {
		return fmt.Errorf("session already running")
	}
	if s.stopped {
		return fmt.Errorf("session already stopped; endpoints are not reusable")
	}

	bootStart := time.Now()
	if err := s.start(); err != nil {
		s.teardown()
		sessionsTotal.WithLabelValues(statusFailed).Inc()
		return err
	}

	s.running = true
	activeSessions.Inc()
	sessionBootDuration.Observe(time.Since(bootStart).Seconds())
	sessionsTotal.WithLabelValues(statusStarted).Inc()

	s.logger.Info("session running",
		"pid", s.sup.PID(),
		"workspace", s.ws.Root,
		"disks", len(s.cfg.Disks),
		"bridges", len(s.bridges),
	)
	return nil
}

func (s *Session) start() error {
	// Disk state must be settled before the argv is rendered: the baseline
	// snapshot pins the backing image, the ephemeral layer becomes the top.
	for _, d := range s.cfg.Disks {
		if err := d.EnsureBaseline(BaselineSnapshot); err != nil {
			return fmt.Errorf("baseline %s: %w", d.Backing(), err)
		}
		if s.cfg.Ephemeral {
			if _, err := d.PushLayer(s.ws.Root); err != nil {
				return fmt.Errorf("push layer on %s: %w", d.Backing(), err)
			}
		}
	}

	var nets []NetClause
	for _, ad := range s.cfg.Adapters {
		br, err := s.network.Create(ad)
		if err != nil {
			return fmt.Errorf("provision bridge for %s: %w", ad.MAC, err)
		}
		s.bridges = append(s.bridges, br)
		nets = append(nets, NetClause{Bridge: br.Name, MAC: ad.MAC})
	}

	args := BuildArgs(s.cfg, s.ws, nets)
	if err := s.sup.Launch(args, s.ws.LaunchLog()); err != nil {
		return err
	}

	monitor, err := ConnectEndpoint(s.ws.MonitorSocket(), s.ws.MonitorLog(), DialPolicy{}, s.logger)
	if err != nil {
		return fmt.Errorf("attach monitor: %w", err)
	}
	s.monitor = monitor
	s.coord = NewCoordinator(monitor, s.settle, s.logger)

	// The monitor greets with a banner ending in the prompt.
	if _, err := monitor.AwaitPrompt(0); err != nil {
		return fmt.Errorf("await monitor prompt: %w", err)
	}

	for i := 0; i <= s.cfg.ExtraSerials; i++ {
		ep, err := s.connectSerial(i)
		if err != nil {
			return fmt.Errorf("attach serial %d: %w", i, err)
		}
		s.serials = append(s.serials, ep)
	}

	if _, err := s.sup.AwaitPID(s.ws.PIDFile()); err != nil {
		return err
	}
	return nil
}

func (s *Session) connectSerial(i int) (*Endpoint, error) {
	ep, err := ConnectEndpoint(s.ws.SerialSocket(i), s.ws.SerialLog(i), DialPolicy{}, s.logger)
	if err != nil {
		return nil, err
	}
	if i == 0 && s.cfg.ConsoleSink != nil {
		ep.transcript = teeWriteCloser{ep.transcript, s.cfg.ConsoleSink}
		go s.pumpConsole(ep)
	}
	return ep, nil
}

// pumpConsole forwards serial console 0 output into the transcript (and so
// the sink) until the endpoint closes. While a pump runs the endpoint must
// not be used for dialogues; extra serials exist for that.
func (s *Session) pumpConsole(ep *Endpoint) {
	buf := make([]byte, 4096)
	for {
		ep.conn.SetReadDeadline(time.Time{})
		n, err := ep.conn.Read(buf)
		if n > 0 {
			ep.record(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// TakeSnapshot captures a machine snapshot via the monitor dialogue.
func (s *Session) TakeSnapshot(name string) error {
	if err := s.requireRunning("take snapshot"); err != nil {
		return err
	}
	return s.observeSnapshotOp("take", func() error { return s.coord.Take(name) })
}

// DeleteSnapshot removes a machine snapshot; unknown names are a no-op.
func (s *Session) DeleteSnapshot(name string) error {
	if err := s.requireRunning("delete snapshot"); err != nil {
		return err
	}
	return s.observeSnapshotOp("delete", func() error { return s.coord.Delete(name) })
}

// GotoSnapshot restores a machine snapshot. A missing name fails with
// ErrSnapshotNotFound and leaves the machine paused.
func (s *Session) GotoSnapshot(name string) error {
	if err := s.requireRunning("restore snapshot"); err != nil {
		return err
	}
	return s.observeSnapshotOp("restore", func() error { return s.coord.Goto(name) })
}

// Snapshots lists machine snapshot names visible in the top disk layer.
func (s *Session) Snapshots() ([]string, error) {
	if err := s.requireRunning("list snapshots"); err != nil {
		return nil, err
	}
	var names []string
	err := s.observeSnapshotOp("list", func() (lerr error) {
		names, lerr = s.coord.List()
		return lerr
	})
	return names, err
}

// HasSnapshot reports whether the named snapshot exists on every disk.
func (s *Session) HasSnapshot(name string) (bool, error) {
	for _, d := range s.cfg.Disks {
		names, err := d.Snapshots()
		if err != nil {
			return false, err
		}
		if !slices.Contains(names, name) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Session) requireRunning(op string) error {
	if !s.running {
		return fmt.Errorf("%s: session is not running", op)
	}
	return nil
}

// Stop terminates the hypervisor and releases endpoints and bridges, in that
// order. The workspace survives for inspection; Close removes it. Safe to
// call after a failed start and safe to call twice.
func (s *Session) Stop() error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	// After a partial start the pid may never have been discovered even
	// though the hypervisor was spawned and wrote its file.
	if s.sup.PID() == 0 {
		s.sup.AdoptPID(s.ws.PIDFile())
	}

	cleanupStart := time.Now()
	err := s.sup.Terminate()

	s.teardown()

	if s.running {
		s.running = false
		activeSessions.Dec()
	}
	sessionCleanupDuration.Observe(time.Since(cleanupStart).Seconds())

	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	s.logger.Info("session stopped", "workspace", s.ws.Root)
	return nil
}

// teardown releases endpoints and bridges. Each step is independently
// idempotent; errors are logged, not propagated, so teardown always runs to
// completion.
func (s *Session) teardown() {
	for _, ep := range s.serials {
		if err := ep.Close(); err != nil {
			s.logger.Warn("serial close failed", "error", err)
		}
	}
	s.serials = nil
	if s.monitor != nil {
		if err := s.monitor.Close(); err != nil {
			s.logger.Warn("monitor close failed", "error", err)
		}
		s.monitor = nil
		s.coord = nil
	}

	for _, br := range s.bridges {
		if err := s.network.Delete(br); err != nil {
			s.logger.Warn("bridge delete failed", "bridge", br.Name, "error", err)
		}
	}
	s.bridges = nil

	for _, d := range s.cfg.Disks {
		if s.cfg.Ephemeral {
			if layer, ok := d.PopLayer(); ok {
				os.Remove(layer)
			}
		}
	}
}

// Close stops the session if needed and removes the workspace. This is the
// one call that must run on every exit path; it is idempotent.
func (s *Session) Close() error {
	err := s.Stop()
	if rerr := s.ws.Remove(); err == nil {
		err = rerr
	}
	return err
}

// teeWriteCloser duplicates writes to a secondary sink but closes only the
// primary.
type teeWriteCloser struct {
	primary io.WriteCloser
	sink    io.Writer
}

func (t teeWriteCloser) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	t.sink.Write(p)
	return n, err
}

func (t teeWriteCloser) Close() error {
	return t.primary.Close()
}
