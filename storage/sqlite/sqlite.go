// Package sqlite implements the persistence contracts on SQLite via the pure
// Go modernc driver. It is the development and test backend; the schema
// mirrors storage/postgres.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schema is idempotent and runs at every open.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name       TEXT NOT NULL,
	scope      TEXT NOT NULL,
	scope_id   TEXT NOT NULL DEFAULT '',
	enabled    INTEGER NOT NULL DEFAULT 0,
	class_name TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL DEFAULT '',
	payload    BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (name, scope, scope_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	file_names TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_user ON sessions (user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	"rank"     INTEGER NOT NULL,
	exchange_id TEXT NOT NULL DEFAULT '',
	payload    BLOB NOT NULL,
	PRIMARY KEY (session_id, "rank")
);

CREATE TABLE IF NOT EXISTS agent_tasks (
	task_id          TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	target_agent     TEXT NOT NULL,
	request_text     TEXT NOT NULL DEFAULT '',
	context          TEXT,
	parameters       TEXT,
	workflow_id      TEXT NOT NULL DEFAULT '',
	run_id           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	last_message     TEXT NOT NULL DEFAULT '',
	percent_complete INTEGER NOT NULL DEFAULT 0,
	artifacts        TEXT,
	blocked_details  TEXT,
	error_details    TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_tasks_user ON agent_tasks (user_id, created_at);
`

type (
	// Store is the SQLite-backed persistence layer. The sub-store accessors
	// expose the individual contracts over the shared handle.
	Store struct {
		db *sql.DB
	}

	// AgentStore implements storage.AgentStore.
	AgentStore struct{ db *sql.DB }

	// SessionStore implements storage.SessionStore.
	SessionStore struct{ db *sql.DB }

	// HistoryStore implements storage.HistoryStore.
	HistoryStore struct{ db *sql.DB }

	// TaskStore implements task.Store.
	TaskStore struct{ db *sql.DB }
)

// Agents returns the agent definition store.
func (s *Store) Agents() *AgentStore { return &AgentStore{db: s.db} }

// Sessions returns the chat session store.
func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.db} }

// History returns the chat message store.
func (s *Store) History() *HistoryStore { return &HistoryStore{db: s.db} }

// Tasks returns the durable task store.
func (s *Store) Tasks() *TaskStore { return &TaskStore{db: s.db} }

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		// A shared cache keeps the in-memory database alive across the pool's
		// connections.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
