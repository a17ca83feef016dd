package vm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

// Guest dial retry policy. The guest agent comes up some time after the
// machine boots, so early dials fail.
const (
	guestDialInterval = 1 * time.Second
	guestDialCeiling  = 50 * time.Second
)

// GuestClient is a connection to the agent inside a session configured with a
// vsock device. Used by a single goroutine.
type GuestClient struct {
	conn net.Conn
}

// DialGuest connects to the guest agent over vsock with bounded retry.
// Past the ceiling it fails with ErrConnectTimeout.
func DialGuest(ctx context.Context, cid, port uint32) (*GuestClient, error) {
	var lastErr error
	deadline := time.Now().Add(guestDialCeiling)
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest cid %d: %w", cid, ctx.Err())
		default:
		}

		conn, err := vsock.Dial(cid, port, nil)
		if err == nil {
			return &GuestClient{conn: conn}, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial guest cid %d: %v: %w", cid, lastErr, ErrConnectTimeout)
		}

		select {
		case <-time.After(guestDialInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest cid %d: %w", cid, ctx.Err())
		}
	}
}

// AttachGuest wraps an already-connected guest channel. Used by tests.
func AttachGuest(conn net.Conn) *GuestClient {
	return &GuestClient{conn: conn}
}

// Ping round-trips a no-op request to verify the agent is alive.
func (g *GuestClient) Ping() error {
	reply, err := g.roundTrip(GuestRequest{Op: GuestOpPing})
	if err != nil {
		return err
	}
	if reply.ExitCode != 0 {
		return fmt.Errorf("guest ping: %s", reply.Error)
	}
	return nil
}

// Exec runs a command inside the guest and returns its combined output.
func (g *GuestClient) Exec(command []string, timeoutS int) (GuestReply, error) {
	return g.roundTrip(GuestRequest{Op: GuestOpExec, Command: command, TimeoutS: timeoutS})
}

func (g *GuestClient) roundTrip(req GuestRequest) (GuestReply, error) {
	if err := WriteFrame(g.conn, &req); err != nil {
		return GuestReply{}, fmt.Errorf("guest %s: %w", req.Op, err)
	}
	var reply GuestReply
	if err := ReadFrame(g.conn, &reply); err != nil {
		return GuestReply{}, fmt.Errorf("guest %s: %w", req.Op, err)
	}
	return reply, nil
}

// Close closes the channel.
func (g *GuestClient) Close() error {
	return g.conn.Close()
}
