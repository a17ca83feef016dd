package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomvm/loom/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    cpus          INTEGER NOT NULL,
    mem_mb        INTEGER NOT NULL,
    image         TEXT NOT NULL,
    ephemeral     INTEGER NOT NULL,
    extra_serials INTEGER NOT NULL,
    macs          TEXT,
    pid           INTEGER,
    workspace     TEXT,
    error         TEXT,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    stopped_at    DATETIME
)`

const createSnapshotEventsTable = `
CREATE TABLE IF NOT EXISTS snapshot_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    action     TEXT NOT NULL,
    name       TEXT NOT NULL,
    error      TEXT,
    created_at DATETIME NOT NULL
)`

// ErrNotFound is returned when a session is not found.
var ErrNotFound = errors.New("session not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(createSnapshotEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot_events table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// joinMACs flattens a MAC list into a single comma-separated column value.
func joinMACs(macs []string) string {
	return strings.Join(macs, ",")
}

func splitMACs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (
			id, status, cpus, mem_mb, image, ephemeral, extra_serials,
			macs, pid, workspace, error, created_at, started_at, stopped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.CPUs, sess.MemMB, sess.Image, sess.Ephemeral,
		sess.ExtraSerials, joinMACs(sess.MACs), sess.PID, sess.Workspace,
		sess.Error, sess.CreatedAt, sess.StartedAt, sess.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess := &model.Session{}
	var macs string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, cpus, mem_mb, image, ephemeral, extra_serials,
			macs, pid, workspace, error, created_at, started_at, stopped_at
		FROM sessions WHERE id = ?`, id,
	).Scan(
		&sess.ID, &sess.Status, &sess.CPUs, &sess.MemMB, &sess.Image, &sess.Ephemeral,
		&sess.ExtraSerials, &macs, &sess.PID, &sess.Workspace,
		&sess.Error, &sess.CreatedAt, &sess.StartedAt, &sess.StoppedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.MACs = splitMACs(macs)
	return sess, nil
}

// ListSessions returns a paginated list of sessions ordered by created_at DESC,
// along with the total count of all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, cpus, mem_mb, image, ephemeral, extra_serials,
			macs, pid, workspace, error, created_at, started_at, stopped_at
		FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess := &model.Session{}
		var macs string
		if err := rows.Scan(
			&sess.ID, &sess.Status, &sess.CPUs, &sess.MemMB, &sess.Image, &sess.Ephemeral,
			&sess.ExtraSerials, &macs, &sess.PID, &sess.Workspace,
			&sess.Error, &sess.CreatedAt, &sess.StartedAt, &sess.StoppedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sess.MACs = splitMACs(macs)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// UpdateSessionStatus moves a session to a new status after validating the
// transition against the current status. For terminal statuses (stopped,
// failed), it also sets stopped_at.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get session status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if status == model.StatusStopped || status == model.StatusFailed {
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, stopped_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else if status == model.StatusRunning {
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, started_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// UpdateSession rewrites the mutable fields of a session record. If the
// status changes, the transition is validated against the stored status.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", sess.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get session status: %w", err)
	}

	if sess.Status != current && !model.ValidTransition(current, sess.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, sess.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET
			status = ?, macs = ?, pid = ?, workspace = ?, error = ?,
			started_at = ?, stopped_at = ?
		WHERE id = ?`,
		sess.Status, joinMACs(sess.MACs), sess.PID, sess.Workspace, sess.Error,
		sess.StartedAt, sess.StoppedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session update: %w", err)
	}
	return nil
}

// GetSessionStats aggregates session counts by status and snapshot event
// counts by action.
func (s *SQLiteStore) GetSessionStats(ctx context.Context) (*SessionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &SessionStats{
		CountByStatus:     make(map[string]int),
		SnapshotsByAction: make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, "SELECT action, COUNT(*) FROM snapshot_events GROUP BY action")
	if err != nil {
		return nil, fmt.Errorf("count by action: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		stats.SnapshotsByAction[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action counts: %w", err)
	}

	return stats, nil
}

// InsertSnapshotEvent records one snapshot operation against a session.
func (s *SQLiteStore) InsertSnapshotEvent(ctx context.Context, sessionID, action, name, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshot_events (session_id, action, name, error, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, action, name, errMsg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot event: %w", err)
	}
	return nil
}

// ListSnapshotEvents returns a session's snapshot history in insertion order.
func (s *SQLiteStore) ListSnapshotEvents(ctx context.Context, sessionID string) ([]model.SnapshotEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, action, name, error, created_at
		FROM snapshot_events WHERE session_id = ? ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshot events: %w", err)
	}
	defer rows.Close()

	events := []model.SnapshotEvent{}
	for rows.Next() {
		var ev model.SnapshotEvent
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Action, &ev.Name, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot events: %w", err)
	}

	return events, nil
}
