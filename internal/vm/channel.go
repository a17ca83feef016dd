package vm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

// DialPolicy bounds control socket establishment. The hypervisor creates its
// console sockets asynchronously after launch, so the first dials usually
// fail; the zero value selects the default 1s interval / 50s ceiling.
type DialPolicy struct {
	Interval time.Duration
	Ceiling  time.Duration
}

func (p DialPolicy) withDefaults() DialPolicy {
	if p.Interval <= 0 {
		p.Interval = connectRetryInterval
	}
	if p.Ceiling <= 0 {
		p.Ceiling = connectRetryCeiling
	}
	return p
}

// Endpoint is one connected console or monitor socket with a prompt-delimited
// dialogue matcher bound to it. All reads and writes go through the endpoint
// so the full conversation lands in the transcript. An Endpoint is used by a
// single goroutine; at most one dialogue is in flight at a time.
type Endpoint struct {
	conn       net.Conn
	transcript io.WriteCloser

	// DialogueTimeout is the per-call ceiling applied when AwaitPrompt is
	// called with a zero timeout.
	DialogueTimeout time.Duration

	pending []byte // unconsumed bytes read past the last prompt marker
	closed  bool
	logger  *slog.Logger
}

// ConnectEndpoint dials the unix socket with bounded retry, opens the
// transcript file, and returns an attached endpoint. Past the retry ceiling
// it fails with ErrConnectTimeout.
func ConnectEndpoint(socketPath, transcriptPath string, policy DialPolicy, logger *slog.Logger) (*Endpoint, error) {
	policy = policy.withDefaults()

	var conn net.Conn
	var lastErr error
	deadline := time.Now().Add(policy.Ceiling)
	for {
		c, err := net.Dial("unix", socketPath)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %s: %v: %w", socketPath, lastErr, ErrConnectTimeout)
		}
		time.Sleep(policy.Interval)
	}

	transcript, err := os.Create(transcriptPath)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create transcript %s: %w", transcriptPath, err)
	}

	return &Endpoint{
		conn:            conn,
		transcript:      transcript,
		DialogueTimeout: defaultDialogueTimeout,
		logger:          logger,
	}, nil
}

// Attach wraps an already-connected socket. Used by tests and by callers that
// establish connections themselves. transcript may be nil.
func Attach(conn net.Conn, transcript io.WriteCloser, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		conn:            conn,
		transcript:      transcript,
		DialogueTimeout: defaultDialogueTimeout,
		logger:          logger,
	}
}

// SendLine writes one command line. It does not wait for anything; callers
// pair it with AwaitPrompt.
func (e *Endpoint) SendLine(text string) error {
	line := text + "\n"
	if _, err := e.conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("send %q: %w", text, err)
	}
	e.record([]byte(line))
	return nil
}

// AwaitPrompt consumes output until the prompt marker appears or the timeout
// elapses, and returns the text read before the marker. On timeout it returns
// whatever was consumed together with ErrPromptTimeout; callers decide whether
// that is fatal. A zero timeout selects the endpoint's dialogue timeout.
func (e *Endpoint) AwaitPrompt(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = e.DialogueTimeout
	}
	deadline := time.Now().Add(timeout)

	var body []byte
	buf := e.pending
	e.pending = nil

	chunk := make([]byte, 4096)
	for {
		if idx := bytes.Index(buf, []byte(PromptMarker)); idx >= 0 {
			body = append(body, buf[:idx]...)
			e.pending = append([]byte(nil), buf[idx+len(PromptMarker):]...)
			return string(body), nil
		}

		// Everything except a possible marker prefix at the tail is settled
		// response body; move it out so the scan window stays bounded.
		if keep := len(buf); keep > readWindow {
			body = append(body, buf[:keep-readWindow]...)
			buf = buf[keep-readWindow:]
		}

		if err := e.conn.SetReadDeadline(deadline); err != nil {
			return string(append(body, buf...)), fmt.Errorf("set read deadline: %w", err)
		}
		n, err := e.conn.Read(chunk)
		if n > 0 {
			e.record(chunk[:n])
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			body = append(body, buf...)
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return string(body), ErrPromptTimeout
			}
			return string(body), fmt.Errorf("read console: %w", err)
		}
	}
}

// Close shuts the socket and the transcript. Idempotent.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	err := e.conn.Close()
	if e.transcript != nil {
		if terr := e.transcript.Close(); err == nil {
			err = terr
		}
	}
	return err
}

func (e *Endpoint) record(p []byte) {
	if e.transcript == nil {
		return
	}
	if _, err := e.transcript.Write(p); err != nil {
		e.logger.Warn("transcript write failed", "error", err)
	}
}
