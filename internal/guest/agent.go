// Package guest implements the in-VM agent for sessions configured with a
// vsock device. It answers host pings and runs commands inside the guest, so
// tests can poke at machine state without a shell on the serial console.
package guest

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loomvm/loom/internal/vm"
)

// DefaultExecTimeout bounds a guest command when the host does not supply one.
const DefaultExecTimeout = 30 * time.Second

// Agent serves guest channel requests from the host.
type Agent struct {
	listener net.Listener
}

// New creates an agent reading requests from the given listener.
func New(listener net.Listener) *Agent {
	return &Agent{listener: listener}
}

// Serve accepts connections until the listener closes. Each connection
// carries a sequence of request/reply frames.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

func (a *Agent) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		var req vm.GuestRequest
		if err := vm.ReadFrame(conn, &req); err != nil {
			return
		}

		reply := a.dispatch(&req)
		if err := vm.WriteFrame(conn, &reply); err != nil {
			log.Printf("write reply: %v", err)
			return
		}
	}
}

func (a *Agent) dispatch(req *vm.GuestRequest) vm.GuestReply {
	switch req.Op {
	case vm.GuestOpPing:
		return vm.GuestReply{}
	case vm.GuestOpExec:
		return a.execCommand(req)
	default:
		return vm.GuestReply{ExitCode: 1, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (a *Agent) execCommand(req *vm.GuestRequest) vm.GuestReply {
	if len(req.Command) == 0 {
		return vm.GuestReply{ExitCode: 1, Error: "exec: empty command"}
	}

	timeout := DefaultExecTimeout
	if req.TimeoutS > 0 {
		timeout = time.Duration(req.TimeoutS) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	out, err := cmd.CombinedOutput()

	r := vm.GuestReply{Output: string(out)}
	if err != nil {
		r.ExitCode = cmd.ProcessState.ExitCode()
		if r.ExitCode <= 0 {
			r.ExitCode = 1
		}
		r.Error = err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			r.Error = fmt.Sprintf("command timed out after %s", timeout)
		}
	}
	return r
}

// mountEntry describes one filesystem mounted when running as init.
type mountEntry struct {
	source string
	target string
	fstype string
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
}

// SetupInit mounts the essential filesystems when the agent is the guest's
// PID 1, as with direct kernel boot. A no-op under a full init system.
func SetupInit() {
	if os.Getpid() != 1 {
		return
	}

	log.Println("running as PID 1, mounting essential filesystems")
	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Printf("mkdir %s: %v", m.target, err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			log.Printf("mount %s: %v", m.target, err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
