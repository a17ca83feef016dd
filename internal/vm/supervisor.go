package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// NetClause is one resolved network attachment for the launch argv: a host
// bridge backend plus the guest-visible MAC.
type NetClause struct {
	Bridge string
	MAC    string
}

// Supervisor launches the hypervisor as a detached child process and controls
// it by pid: readiness via the pid file, termination via retried signals.
type Supervisor struct {
	// Bin is the hypervisor binary.
	Bin string

	// PollInterval is the wait between pid file reads and between
	// termination signal attempts.
	PollInterval time.Duration

	// PIDCeiling bounds the total pid file wait.
	PIDCeiling time.Duration

	// TermCeiling bounds the total termination wait.
	TermCeiling time.Duration

	logger *slog.Logger
	pid    int
}

// NewSupervisor creates a Supervisor with the default retry policy.
func NewSupervisor(bin string, logger *slog.Logger) *Supervisor {
	if bin == "" {
		bin = DefaultHypervisorBin
	}
	return &Supervisor{
		Bin:          bin,
		PollInterval: pidPollInterval,
		PIDCeiling:   pidPollCeiling,
		TermCeiling:  termPollCeiling,
		logger:       logger,
	}
}

// BuildArgs assembles the flat launch argument vector from the session
// parameters: CPU and memory flags, one drive clause per disk, a backend and
// device clause per network attachment, the pid file, one serial socket per
// console plus the monitor socket, then the optional boot order, kernel and
// passthrough arguments.
func BuildArgs(cfg SessionConfig, ws Workspace, nets []NetClause) []string {
	args := []string{
		"-enable-kvm",
		"-nographic",
		"-smp", strconv.Itoa(cfg.CPUs),
		"-m", strconv.Itoa(cfg.MemMB),
	}

	for _, d := range cfg.Disks {
		args = append(args, "-drive", d.DriveString())
	}

	for _, n := range nets {
		args = append(args,
			"-netdev", fmt.Sprintf("bridge,id=%s,br=%s", n.Bridge, n.Bridge),
			"-device", fmt.Sprintf("e1000,netdev=%s,mac=%s", n.Bridge, n.MAC),
		)
	}

	args = append(args, "-pidfile", ws.PIDFile())

	for i := 0; i <= cfg.ExtraSerials; i++ {
		args = append(args, "-serial", fmt.Sprintf("unix:%s,server,nowait", ws.SerialSocket(i)))
	}
	args = append(args, "-monitor", fmt.Sprintf("unix:%s,server", ws.MonitorSocket()))

	if cfg.GuestCID > 0 {
		args = append(args, "-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", cfg.GuestCID))
	}

	if cfg.BootOrder != "" {
		args = append(args, "-boot", cfg.BootOrder)
	}
	if cfg.Kernel != "" {
		args = append(args, "-kernel", cfg.Kernel)
		if cfg.KernelArgs != "" {
			args = append(args, "-append", cfg.KernelArgs)
		}
	}

	return append(args, cfg.ExtraArgs...)
}

// Launch starts the hypervisor detached, redirecting its output to logPath,
// and returns as soon as the process is spawned. It does not wait for any
// ready state; readiness is observed through AwaitPID and socket connects.
func (s *Supervisor) Launch(args []string, logPath string) error {
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create launch log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(s.Bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.Bin, err)
	}

	// Reap the child when it exits; a lingering zombie would keep passing
	// the liveness check and stall Terminate.
	go cmd.Wait()

	s.logger.Debug("hypervisor spawned", "bin", s.Bin, "args", strings.Join(args, " "))
	return nil
}

// AwaitPID polls the pid file until it holds a parseable integer or the
// ceiling elapses. On success the pid is recorded for Terminate.
func (s *Supervisor) AwaitPID(pidFile string) (int, error) {
	deadline := time.Now().Add(s.PIDCeiling)
	for {
		data, err := os.ReadFile(pidFile)
		if err == nil {
			if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
				s.pid = pid
				return pid, nil
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%s: %w", pidFile, ErrNotReady)
		}
		time.Sleep(s.PollInterval)
	}
}

// AdoptPID reads the pid file once, without polling, and tracks the value if
// one is present. Used on teardown after a partial start, where the
// hypervisor may have written its pid even though discovery never ran.
func (s *Supervisor) AdoptPID(pidFile string) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
		s.pid = pid
	}
}

// PID returns the tracked process identity, or 0 before discovery.
func (s *Supervisor) PID() int {
	return s.pid
}

// Terminate interrupts the tracked process and re-checks for its existence at
// the poll interval, re-signalling while it survives. Disappearance is
// success; if the process is still alive past the ceiling the failure is
// surfaced as ErrTerminateFailed and the process may be leaked.
func (s *Supervisor) Terminate() error {
	if s.pid == 0 {
		return nil
	}

	deadline := time.Now().Add(s.TermCeiling)
	for {
		if !processAlive(s.pid) {
			s.pid = 0
			return nil
		}
		if err := syscall.Kill(s.pid, syscall.SIGINT); err != nil && errors.Is(err, syscall.ESRCH) {
			s.pid = 0
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pid %d: %w", s.pid, ErrTerminateFailed)
		}
		time.Sleep(s.PollInterval)
	}
}

// processAlive reports whether a process with the given pid exists.
// EPERM still means the process exists, just not ours to signal.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
