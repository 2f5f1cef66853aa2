// Package store persists sessions, claims and events in SQLite and answers the
// aggregate metric queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when an update targets a row that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBusy marks a write that failed because the database was locked. It is
	// safe to retry.
	ErrBusy = errors.New("database busy")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     TEXT NOT NULL,
    start_ms    INTEGER NOT NULL,
    end_ms      INTEGER
);

CREATE TABLE IF NOT EXISTS claims (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id        INTEGER NOT NULL REFERENCES sessions(id),
    external_id       TEXT NOT NULL,
    claim_number      TEXT,
    claim_type        TEXT NOT NULL,
    start_ms          INTEGER NOT NULL,
    end_ms            INTEGER,
    duration_seconds  INTEGER
);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  INTEGER NOT NULL REFERENCES sessions(id),
    claim_id    INTEGER REFERENCES claims(id),
    event_type  TEXT NOT NULL,
    payload     TEXT NOT NULL,
    at_ms       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_session ON claims(session_id);
CREATE INDEX IF NOT EXISTS idx_claims_type ON claims(claim_type, start_ms);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, at_ms);
CREATE INDEX IF NOT EXISTS idx_events_claim ON events(claim_id);
`

// Store is the SQLite-backed storage collaborator.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", classify(err))
	}
	return nil
}

// InsertSession starts a session for user and returns its id.
func (s *Store) InsertSession(ctx context.Context, user string, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, start_ms) VALUES (?, ?)`,
		user, start.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", classify(err))
	}
	return lastID(res)
}

// EndSession records the end timestamp of a session.
func (s *Store) EndSession(ctx context.Context, id int64, end time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_ms = ? WHERE id = ?`,
		end.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("end session %d: %w", id, classify(err))
	}
	return expectRow(res, "session", id)
}

// InsertClaim opens a claim and returns its id.
func (s *Store) InsertClaim(ctx context.Context, c NewClaim) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (session_id, external_id, claim_number, claim_type, start_ms)
		VALUES (?, ?, ?, ?, ?)`,
		c.SessionID, c.ExternalID, nullString(c.ClaimNumber), c.ClaimType, c.Start.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert claim %s: %w", c.ExternalID, classify(err))
	}
	return lastID(res)
}

// CloseClaim records the end timestamp and duration of a claim.
func (s *Store) CloseClaim(ctx context.Context, id int64, end time.Time, durationSeconds int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET end_ms = ?, duration_seconds = ? WHERE id = ?`,
		end.UnixMilli(), durationSeconds, id,
	)
	if err != nil {
		return fmt.Errorf("close claim %d: %w", id, classify(err))
	}
	return expectRow(res, "claim", id)
}

// InsertEvent appends an event. ClaimID zero leaves the event unassociated.
func (s *Store) InsertEvent(ctx context.Context, e NewEvent) (int64, error) {
	var claimID sql.NullInt64
	if e.ClaimID != 0 {
		claimID = sql.NullInt64{Int64: e.ClaimID, Valid: true}
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, claim_id, event_type, payload, at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, claimID, e.Type, payload, e.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", e.Type, classify(err))
	}
	return lastID(res)
}

func lastID(res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// classify wraps SQLite busy and locked failures with ErrBusy.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return err
}

// IsBusy reports whether err is a retryable lock failure.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
