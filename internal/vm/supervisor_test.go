package vm

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastSupervisor returns a supervisor with poll ceilings short enough for
// tests.
func fastSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	s := NewSupervisor("", testLogger())
	s.PollInterval = 5 * time.Millisecond
	s.PIDCeiling = 250 * time.Millisecond
	s.TermCeiling = 250 * time.Millisecond
	return s
}

func TestBuildArgsFull(t *testing.T) {
	ws := Workspace{Root: "/tmp/ws"}
	d := NewDisk("/images/base.qcow2")
	d.Index = 0

	cfg := SessionConfig{
		CPUs:         2,
		MemMB:        2048,
		Disks:        []*Disk{d},
		ExtraSerials: 1,
		GuestCID:     3,
		BootOrder:    "c",
		Kernel:       "/boot/vmlinuz",
		KernelArgs:   "console=ttyS0",
		ExtraArgs:    []string{"-no-reboot"},
	}
	nets := []NetClause{{Bridge: "br-aabbcc", MAC: "52:54:00:aa:bb:cc"}}

	got := BuildArgs(cfg, ws, nets)
	want := []string{
		"-enable-kvm",
		"-nographic",
		"-smp", "2",
		"-m", "2048",
		"-drive", "if=ide,file=/images/base.qcow2,index=0,media=disk",
		"-netdev", "bridge,id=br-aabbcc,br=br-aabbcc",
		"-device", "e1000,netdev=br-aabbcc,mac=52:54:00:aa:bb:cc",
		"-pidfile", "/tmp/ws/hypervisor.pid",
		"-serial", "unix:/tmp/ws/serial_0.sock,server,nowait",
		"-serial", "unix:/tmp/ws/serial_1.sock,server,nowait",
		"-monitor", "unix:/tmp/ws/monitor.sock,server",
		"-device", "vhost-vsock-pci,guest-cid=3",
		"-boot", "c",
		"-kernel", "/boot/vmlinuz",
		"-append", "console=ttyS0",
		"-no-reboot",
	}

	if !slices.Equal(got, want) {
		t.Errorf("argv mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestBuildArgsMinimal(t *testing.T) {
	ws := Workspace{Root: "/tmp/ws"}
	cfg := SessionConfig{CPUs: 1, MemMB: 512}

	got := BuildArgs(cfg, ws, nil)
	want := []string{
		"-enable-kvm",
		"-nographic",
		"-smp", "1",
		"-m", "512",
		"-pidfile", "/tmp/ws/hypervisor.pid",
		"-serial", "unix:/tmp/ws/serial_0.sock,server,nowait",
		"-monitor", "unix:/tmp/ws/monitor.sock,server",
	}

	if !slices.Equal(got, want) {
		t.Errorf("argv mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestAwaitPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "hypervisor.pid")
	if err := os.WriteFile(pidFile, []byte("4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := fastSupervisor(t)
	pid, err := s.AwaitPID(pidFile)
	if err != nil {
		t.Fatalf("await pid: %v", err)
	}
	if pid != 4242 {
		t.Errorf("expected pid 4242, got %d", pid)
	}
	if s.PID() != 4242 {
		t.Errorf("expected tracked pid 4242, got %d", s.PID())
	}
}

func TestAwaitPIDLateWrite(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "hypervisor.pid")

	go func() {
		time.Sleep(30 * time.Millisecond)
		os.WriteFile(pidFile, []byte("77\n"), 0o644)
	}()

	s := fastSupervisor(t)
	pid, err := s.AwaitPID(pidFile)
	if err != nil {
		t.Fatalf("await pid: %v", err)
	}
	if pid != 77 {
		t.Errorf("expected pid 77, got %d", pid)
	}
}

func TestAwaitPIDNotReady(t *testing.T) {
	s := fastSupervisor(t)

	pid, err := s.AwaitPID(filepath.Join(t.TempDir(), "missing.pid"))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if pid != 0 || s.PID() != 0 {
		t.Errorf("expected no tracked pid, got %d / %d", pid, s.PID())
	}
}

func TestAwaitPIDGarbage(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "hypervisor.pid")
	if err := os.WriteFile(pidFile, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := fastSupervisor(t)
	if _, err := s.AwaitPID(pidFile); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady for unparseable pid file, got %v", err)
	}
}

func TestAdoptPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "hypervisor.pid")
	if err := os.WriteFile(pidFile, []byte("314\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := fastSupervisor(t)
	s.AdoptPID(pidFile)
	if s.PID() != 314 {
		t.Errorf("expected adopted pid 314, got %d", s.PID())
	}
}

func TestAdoptPIDMissingOrGarbage(t *testing.T) {
	s := fastSupervisor(t)

	s.AdoptPID(filepath.Join(t.TempDir(), "absent.pid"))
	if s.PID() != 0 {
		t.Errorf("expected no pid for missing file, got %d", s.PID())
	}

	pidFile := filepath.Join(t.TempDir(), "hypervisor.pid")
	if err := os.WriteFile(pidFile, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.AdoptPID(pidFile)
	if s.PID() != 0 {
		t.Errorf("expected no pid for unparseable file, got %d", s.PID())
	}
}

func TestTerminateWithoutPID(t *testing.T) {
	s := fastSupervisor(t)
	if err := s.Terminate(); err != nil {
		t.Fatalf("terminate without pid: %v", err)
	}
}

func TestTerminateStopsProcess(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	waited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waited)
	}()

	pidFile := filepath.Join(t.TempDir(), "hypervisor.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		t.Fatal(err)
	}

	s := fastSupervisor(t)
	s.TermCeiling = 2 * time.Second
	if _, err := s.AwaitPID(pidFile); err != nil {
		t.Fatalf("await pid: %v", err)
	}

	if err := s.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("process never reaped")
	}

	if processAlive(cmd.Process.Pid) {
		t.Error("process still alive after terminate")
	}
	if s.PID() != 0 {
		t.Errorf("expected tracked pid cleared, got %d", s.PID())
	}
}

func TestTerminateDeadProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}

	s := fastSupervisor(t)
	s.pid = cmd.Process.Pid
	if err := s.Terminate(); err != nil {
		t.Fatalf("terminate dead process: %v", err)
	}
	if s.PID() != 0 {
		t.Errorf("expected tracked pid cleared, got %d", s.PID())
	}
}

func TestLaunchRedirectsOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "hypervisor.log")

	s := NewSupervisor("sh", testLogger())
	if err := s.Launch([]string{"-c", "echo booted"}, logPath); err != nil {
		t.Fatalf("launch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(logPath)
		if err == nil && len(data) > 0 {
			if got := string(data); got != "booted\n" {
				t.Errorf("expected log %q, got %q", "booted\n", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("launch log never populated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
