package vm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxWireMessage caps a guest channel frame (1 MiB). Guest exchanges are
// small command/result payloads, unlike console traffic.
const maxWireMessage = 1 << 20

// Guest request operations.
const (
	GuestOpPing = "ping"
	GuestOpExec = "exec"
)

// GuestRequest is the host→guest payload on the vsock channel.
type GuestRequest struct {
	Op       string   `json:"op"`
	Command  []string `json:"command,omitempty"`
	TimeoutS int      `json:"timeout_s,omitempty"`
}

// GuestReply is the guest→host payload on the vsock channel.
type GuestReply struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WriteFrame writes a length-prefixed JSON message: a 4-byte big-endian
// length followed by the payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON message into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxWireMessage {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, maxWireMessage)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
