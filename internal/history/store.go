// Package history persists a call log: who was called, in which direction,
// and how it ended. Chat transcripts are deliberately not stored here.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one finished (or aborted) call.
type Entry struct {
	CallID    string
	PeerID    string
	PeerName  string
	Direction string // "outgoing" or "incoming"
	Outcome   string // "completed", "no answer", "peer busy", ...
	StartedAt time.Time
	Duration  int // seconds in the connected state; 0 if never connected
}

// Store wraps a SQLite call log.
type Store struct {
	db *sql.DB
}

// Open opens or creates the call log database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "calls.db"))
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure call log: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id     TEXT NOT NULL,
			peer_id     TEXT NOT NULL,
			peer_name   TEXT,
			direction   TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			duration_s  INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db}, nil
}

// Record appends one entry to the log.
func (s *Store) Record(e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO calls (call_id, peer_id, peer_name, direction, outcome, started_at, duration_s)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.PeerID, e.PeerName, e.Direction, e.Outcome, e.StartedAt.Unix(), e.Duration,
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Recent returns the newest n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT call_id, peer_id, peer_name, direction, outcome, started_at, duration_s
		 FROM calls ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started int64
		if err := rows.Scan(&e.CallID, &e.PeerID, &e.PeerName, &e.Direction, &e.Outcome, &started, &e.Duration); err != nil {
			return nil, fmt.Errorf("scan call log row: %w", err)
		}
		e.StartedAt = time.Unix(started, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
