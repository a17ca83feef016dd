package model

import "time"

// Session status constants.
const (
	StatusCreated  = "created"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
)

// Snapshot event actions.
const (
	ActionTake    = "take"
	ActionDelete  = "delete"
	ActionRestore = "restore"
)

// validTransitions maps each status to the set of statuses it may move to.
// Stopped and failed are terminal.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusStarting: true,
		StatusFailed:   true,
		StatusStopped:  true,
	},
	StatusStarting: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusStopped: true,
	},
	StatusRunning: {
		StatusStopped: true,
		StatusFailed:  true,
	},
}

// ValidTransition reports whether moving a session from one status to another
// is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Session is the persisted record of one hypervisor session.
type Session struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	CPUs         int        `json:"cpus"`
	MemMB        int        `json:"mem_mb"`
	Image        string     `json:"image"`
	Ephemeral    bool       `json:"ephemeral"`
	ExtraSerials int        `json:"extra_serials"`
	MACs         []string   `json:"macs,omitempty"`
	PID          *int       `json:"pid,omitempty"`
	Workspace    string     `json:"workspace,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
}

// SnapshotEvent is one recorded snapshot operation against a session.
type SnapshotEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Name      string    `json:"name"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
