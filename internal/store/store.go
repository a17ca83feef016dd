package store

import (
	"context"
	"errors"

	"github.com/loomvm/loom/internal/model"
)

// ErrInvalidTransition is returned when a session status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// SessionStats holds aggregate session statistics.
type SessionStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	SnapshotsByAction map[string]int `json:"snapshots_by_action"`
}

// Store defines the persistence operations for sessions and their snapshot
// event history.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	UpdateSession(ctx context.Context, s *model.Session) error
	GetSessionStats(ctx context.Context) (*SessionStats, error)
	InsertSnapshotEvent(ctx context.Context, sessionID, action, name, errMsg string) error
	ListSnapshotEvents(ctx context.Context, sessionID string) ([]model.SnapshotEvent, error)
	Close() error
}
