// Package journal persists coarse lifecycle events (daemon start/stop,
// session created/closed, verdict decisions) to a local SQLite database.
// The journal is strictly operational: it never stores diff text, review
// comments, or summaries, and a journal failure never fails the operation
// being journaled.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Pure-Go SQLite driver, imported for side effects (registers the
	// driver). No CGO, so cross-compilation and testing stay simple.
	_ "modernc.org/sqlite"

	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

// Event is one recorded lifecycle event.
type Event struct {
	// ID is the insertion-ordered row id.
	ID int64 `json:"id"`

	// At is when the event was recorded.
	At time.Time `json:"at"`

	// Kind names the event: "daemon_started", "daemon_stopped",
	// "session_created", "session_closed", "verdict", "wait_failed",
	// "watch_started", "watch_stopped".
	Kind string `json:"kind"`

	// SessionID is the session the event belongs to (empty for
	// daemon-level events).
	SessionID string `json:"session_id,omitempty"`

	// Project is the working directory of the session, for grouping.
	Project string `json:"project,omitempty"`

	// Detail is a short free-form qualifier (a decision word, an error
	// code). Never diff content.
	Detail string `json:"detail,omitempty"`
}

// Journal is an append-only event log backed by SQLite. Safe for
// concurrent use.
type Journal struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the journal database at path, creating parent
// directories as needed. Use ":memory:" for tests.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeJournalOpenFailed,
				fmt.Sprintf("create journal directory for %s", path), err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJournalOpenFailed,
			fmt.Sprintf("open journal at %s", path), err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeJournalOpenFailed,
			fmt.Sprintf("ping journal at %s", path), err)
	}

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeJournalOpenFailed, "init journal schema", err)
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	// Timestamps are stored as RFC3339 strings for readability and
	// portability.
	const eventsTable = `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`
	if _, err := j.db.Exec(eventsTable); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	return nil
}

// Record appends an event. Failures are logged and swallowed so that
// journaling can never fail the operation being journaled.
func (j *Journal) Record(kind, sessionID, project, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	const query = `INSERT INTO events (ts, kind, session_id, project, detail) VALUES (?, ?, ?, ?, ?)`
	_, err := j.db.Exec(query, time.Now().Format(time.RFC3339Nano), kind, sessionID, project, detail)
	if err != nil {
		log.Printf("journal: %v", apperrors.Wrap(apperrors.CodeJournalWriteFailed,
			fmt.Sprintf("record %s", kind), err))
	}
}

// Recent returns the newest events first, at most n of them. Use n <= 0
// to return all entries.
func (j *Journal) Recent(n int) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	query := `SELECT id, ts, kind, session_id, project, detail FROM events ORDER BY id DESC`
	var args []interface{}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev Event
			ts string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Kind, &ev.SessionID, &ev.Project, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		ev.At = at
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// Close releases the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
