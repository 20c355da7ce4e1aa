// Package history keeps a durable log of finished transfer sessions so
// operators can answer "did the benchy make it to the shop printer last
// night" without scrolling terminal output.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapsend/snapsend/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    device_id   TEXT NOT NULL,
    device_name TEXT NOT NULL,
    filename    TEXT NOT NULL,
    state       TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    progress    REAL NOT NULL DEFAULT 0,
    size_bytes  INTEGER NOT NULL DEFAULT 0,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions(started_at);
CREATE INDEX IF NOT EXISTS sessions_device_id ON sessions(device_id);
`

// Store is the session log, backed by a single-writer SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a finished session. Recording the same session id again
// replaces the earlier row.
func (s *Store) Record(snap events.SessionSnapshot) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sessions
		(id, device_id, device_name, filename, state, reason, error, progress, size_bytes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.DeviceID, snap.DeviceName, snap.Filename, snap.State,
		snap.Reason, snap.Error, snap.Progress, snap.SizeBytes,
		formatTime(snap.StartedAt), formatTime(snap.FinishedAt))
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// List returns the most recent sessions, newest first.
func (s *Store) List(limit int) ([]events.SessionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(sessionSelect+` ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListByDevice returns the most recent sessions for one device, newest first.
func (s *Store) ListByDevice(deviceID string, limit int) ([]events.SessionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(sessionSelect+` WHERE device_id = ? ORDER BY started_at DESC, id LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// Prune deletes everything but the newest keep rows and reports how many
// went away.
func (s *Store) Prune(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id NOT IN
		(SELECT id FROM sessions ORDER BY started_at DESC, id LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

const sessionSelect = `SELECT id, device_id, device_name, filename, state,
	reason, error, progress, size_bytes, started_at, finished_at FROM sessions`

func scanSessions(rows *sql.Rows) ([]events.SessionSnapshot, error) {
	var out []events.SessionSnapshot
	for rows.Next() {
		var snap events.SessionSnapshot
		var startedAt, finishedAt string
		if err := rows.Scan(&snap.ID, &snap.DeviceID, &snap.DeviceName, &snap.Filename,
			&snap.State, &snap.Reason, &snap.Error, &snap.Progress, &snap.SizeBytes,
			&startedAt, &finishedAt); err != nil {
			return nil, err
		}
		snap.StartedAt = scanTime(startedAt)
		snap.FinishedAt = scanTime(finishedAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scanTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
