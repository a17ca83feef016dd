package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// drainTimeout bounds the stale-output drain at the start of a take dialogue.
const drainTimeout = 1 * time.Second

// Coordinator sequences snapshot dialogues over the designated monitor
// endpoint. Every operation quiesces the machine before mutating snapshot
// state so the capture is internally consistent, then resumes it.
//
// Connection-level failures propagate unmodified. A missing snapshot on
// restore is the one protocol-level failure callers are expected to catch
// (ErrSnapshotNotFound); any other unexpected response text degrades to a
// best-effort parse rather than an error.
type Coordinator struct {
	ep     *Endpoint
	settle time.Duration
	logger *slog.Logger
}

// NewCoordinator binds a coordinator to the monitor endpoint. settle is the
// pause inserted after each phase boundary; zero disables it, which is safe
// only when the device layer acknowledges synchronously.
func NewCoordinator(ep *Endpoint, settle time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{ep: ep, settle: settle, logger: logger}
}

// Take captures a machine snapshot under the given name: quiesce, save,
// resume, each step gated on the prompt. Stale output from earlier dialogues
// is drained first; a drain timeout just means the console was already quiet.
func (c *Coordinator) Take(name string) error {
	c.logger.Info("taking snapshot", "name", name)

	if _, err := c.ep.AwaitPrompt(drainTimeout); err != nil && !errors.Is(err, ErrPromptTimeout) {
		return fmt.Errorf("drain monitor: %w", err)
	}

	steps := []string{"stop", "savevm " + name, "cont"}
	for _, cmd := range steps {
		if err := c.exchange(cmd); err != nil {
			return fmt.Errorf("take %q: %w", name, err)
		}
		c.pause()
	}
	return nil
}

// Delete removes the named machine snapshot. Deleting a name that does not
// exist is a no-op, matching the monitor's own behavior.
func (c *Coordinator) Delete(name string) error {
	c.logger.Info("deleting snapshot", "name", name)

	if err := c.exchange("delvm " + name); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

// Goto restores the named machine snapshot: quiesce, load, resume. If the
// image does not contain the snapshot the machine is deliberately left
// paused — resuming would run the wrong state — and ErrSnapshotNotFound is
// returned for the caller to recover from.
func (c *Coordinator) Goto(name string) error {
	c.logger.Info("restoring snapshot", "name", name)

	if err := c.exchange("stop"); err != nil {
		return fmt.Errorf("restore %q: %w", name, err)
	}

	if err := c.ep.SendLine("loadvm " + name); err != nil {
		return fmt.Errorf("restore %q: %w", name, err)
	}
	body, err := c.ep.AwaitPrompt(0)
	if err != nil {
		return fmt.Errorf("restore %q: %w", name, err)
	}
	if strings.Contains(body, snapshotMissingMarker) {
		return fmt.Errorf("restore %q: %w", name, ErrSnapshotNotFound)
	}

	if err := c.exchange("cont"); err != nil {
		return fmt.Errorf("restore %q: %w", name, err)
	}
	return nil
}

// List queries the machine snapshots recorded in the top disk layer and
// returns their names in listing order. Unexpected response text is skipped
// rather than reported.
func (c *Coordinator) List() ([]string, error) {
	if err := c.ep.SendLine("info snapshots"); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	body, err := c.ep.AwaitPrompt(0)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return parseMonitorSnapshotList(body), nil
}

// exchange sends one command and waits for the next prompt, discarding the
// response body.
func (c *Coordinator) exchange(cmd string) error {
	if err := c.ep.SendLine(cmd); err != nil {
		return err
	}
	if _, err := c.ep.AwaitPrompt(0); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) pause() {
	if c.settle > 0 {
		time.Sleep(c.settle)
	}
}

// parseMonitorSnapshotList extracts the TAG column from "info snapshots"
// monitor output. The body contains the echoed command, then either the
// no-snapshots sentinel, or a heading line, a column header and one row per
// snapshot.
func parseMonitorSnapshotList(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "",
			strings.HasPrefix(line, "info snapshots"),
			line == noSnapshotsMarker,
			line == snapshotListHeader,
			strings.HasPrefix(line, "ID"):
			continue
		}
		if fields := strings.Fields(line); len(fields) >= 2 {
			names = append(names, fields[1])
		}
	}
	return names
}
