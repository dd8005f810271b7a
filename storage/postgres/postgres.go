// Package postgres implements the persistence contracts on PostgreSQL via a
// pgx connection pool. It is the production backend; the schema mirrors
// storage/sqlite.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is idempotent and runs at every open.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name       TEXT NOT NULL,
	scope      TEXT NOT NULL,
	scope_id   TEXT NOT NULL DEFAULT '',
	enabled    BOOLEAN NOT NULL DEFAULT FALSE,
	class_name TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name, scope, scope_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	file_names JSONB NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_user ON sessions (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	"rank"     INTEGER NOT NULL,
	exchange_id TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	PRIMARY KEY (session_id, "rank")
);

CREATE TABLE IF NOT EXISTS agent_tasks (
	task_id          TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	target_agent     TEXT NOT NULL,
	request_text     TEXT NOT NULL DEFAULT '',
	context          JSONB,
	parameters       JSONB,
	workflow_id      TEXT NOT NULL DEFAULT '',
	run_id           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	last_message     TEXT NOT NULL DEFAULT '',
	percent_complete INTEGER NOT NULL DEFAULT 0,
	artifacts        JSONB,
	blocked_details  JSONB,
	error_details    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_tasks_user ON agent_tasks (user_id, created_at DESC);
`

type (
	// Store is the PostgreSQL-backed persistence layer. The sub-store
	// accessors expose the individual contracts over the shared pool.
	Store struct {
		pool *pgxpool.Pool
	}

	// AgentStore implements storage.AgentStore.
	AgentStore struct{ pool *pgxpool.Pool }

	// SessionStore implements storage.SessionStore.
	SessionStore struct{ pool *pgxpool.Pool }

	// HistoryStore implements storage.HistoryStore.
	HistoryStore struct{ pool *pgxpool.Pool }

	// TaskStore implements task.Store.
	TaskStore struct{ pool *pgxpool.Pool }
)

// Open connects the pool and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Agents returns the agent definition store.
func (s *Store) Agents() *AgentStore { return &AgentStore{pool: s.pool} }

// Sessions returns the chat session store.
func (s *Store) Sessions() *SessionStore { return &SessionStore{pool: s.pool} }

// History returns the chat message store.
func (s *Store) History() *HistoryStore { return &HistoryStore{pool: s.pool} }

// Tasks returns the durable task store.
func (s *Store) Tasks() *TaskStore { return &TaskStore{pool: s.pool} }
