// Package sidecar provides read-only queries over the agent's sidecar
// observability database. The sidecar captures terminal events, session
// metadata, periodic checkpoints, and Layer 1 working-memory snapshots while
// the agent runs; evaluations inspect it after the fact.
package sidecar

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DB is a read-only handle on a sidecar database file.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Session is a row of the l1_sessions table.
type Session struct {
	ID            string
	CreatedAtMS   int64
	EndedAtMS     int64
	WorkspacePath string
	Active        bool
}

// EventRecord is a captured terminal or file event.
type EventRecord struct {
	ID          string
	SessionID   string
	TimestampMS int64
	EventType   string
	Content     string
}

// StorageStats counts the rows in each sidecar table.
type StorageStats struct {
	Events      int64
	Checkpoints int64
	Sessions    int64
}

// Open opens the sidecar database read-only. The file must already exist;
// the agent creates it on first run.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sidecar database not found at %s (run qbit at least once to initialize it): %w", path, err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open sidecar database: %w", err)
	}
	return &DB{db: db, logger: logger.With(zap.String("component", "sidecar"))}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// missingTable reports the errors a partially initialized sidecar produces.
// The agent creates tables lazily, so absence means "no data yet".
func missingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

const sessionColumns = `id, created_at_ms, COALESCE(ended_at_ms, 0), COALESCE(workspace_path, ''), COALESCE(active, 0)`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.CreatedAtMS, &s.EndedAtMS, &s.WorkspacePath, &s.Active); err != nil {
		return nil, err
	}
	return &s, nil
}

// LastSession returns the most recently created session, or nil if the
// sidecar has none yet.
func (d *DB) LastSession() (*Session, error) {
	row := d.db.QueryRow(`SELECT ` + sessionColumns + ` FROM l1_sessions ORDER BY created_at_ms DESC LIMIT 1`)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) || missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last session: %w", err)
	}
	return s, nil
}

// Session returns the session with the given ID, or nil if not found.
func (d *DB) Session(sessionID string) (*Session, error) {
	row := d.db.QueryRow(`SELECT `+sessionColumns+` FROM l1_sessions WHERE id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) || missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", sessionID, err)
	}
	return s, nil
}

// ListSessions returns recent sessions, most recent first.
func (d *DB) ListSessions(limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM l1_sessions ORDER BY created_at_ms DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := d.db.Query(query)
	if missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// SessionEvents returns all events for a session in timestamp order.
func (d *DB) SessionEvents(sessionID string) ([]EventRecord, error) {
	rows, err := d.db.Query(
		`SELECT id, session_id, timestamp_ms, COALESCE(event_type, ''), COALESCE(content, '')
		 FROM events WHERE session_id = ? ORDER BY timestamp_ms ASC`, sessionID)
	if missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// SearchEvents returns events whose content contains the keyword,
// case-insensitive, most recent first.
func (d *DB) SearchEvents(keyword string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.Query(
		`SELECT id, session_id, timestamp_ms, COALESCE(event_type, ''), COALESCE(content, '')
		 FROM events WHERE content LIKE '%' || ? || '%' ORDER BY timestamp_ms DESC LIMIT ?`,
		keyword, limit)
	if missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]EventRecord, error) {
	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TimestampMS, &e.EventType, &e.Content); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats counts rows per table. Missing tables count as zero.
func (d *DB) Stats() (StorageStats, error) {
	var stats StorageStats
	for _, c := range []struct {
		table string
		dst   *int64
	}{
		{"events", &stats.Events},
		{"checkpoints", &stats.Checkpoints},
		{"l1_sessions", &stats.Sessions},
	} {
		err := d.db.QueryRow(`SELECT COUNT(*) FROM ` + c.table).Scan(c.dst)
		if missingTable(err) {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return stats, nil
}

// Layer1State returns the latest Layer 1 working-memory snapshot for the
// session, or nil if none was recorded.
func (d *DB) Layer1State(sessionID string) (*Layer1State, error) {
	row := d.db.QueryRow(
		`SELECT state_json FROM session_states WHERE session_id = ? ORDER BY timestamp_ms DESC LIMIT 1`,
		sessionID)
	return scanLayer1(row)
}

// Layer1Latest returns the most recent Layer 1 snapshot across all sessions.
func (d *DB) Layer1Latest() (*Layer1State, error) {
	row := d.db.QueryRow(`SELECT state_json FROM session_states ORDER BY timestamp_ms DESC LIMIT 1`)
	return scanLayer1(row)
}

func scanLayer1(row *sql.Row) (*Layer1State, error) {
	var raw sql.NullString
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || missingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query layer 1 state: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var state Layer1State
	if err := json.Unmarshal([]byte(raw.String), &state); err != nil {
		return nil, fmt.Errorf("parse layer 1 state: %w", err)
	}
	return &state, nil
}
