// Package storage defines the persistence contracts consumed by the runtime:
// agent definitions, chat sessions and message history. Implementations live
// in storage/sqlite (dev and tests) and storage/postgres (production).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/runtime/agent"
)

// Scope partitions agent definitions between the shared catalog and
// per-user overrides.
type Scope string

const (
	// ScopeGlobal is the shared catalog visible to every user.
	ScopeGlobal Scope = "global"
	// ScopeUser is a per-user override; ScopeID carries the user id.
	ScopeUser Scope = "user"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

type (
	// AgentRecord is a persisted agent definition. Payload is the full
	// agent.Settings document encoded as JSON; the discrete columns exist
	// for lookups and listings without decoding.
	AgentRecord struct {
		Name      string
		Scope     Scope
		ScopeID   string
		Enabled   bool
		ClassName string
		Kind      string
		Payload   []byte
		UpdatedAt time.Time
	}

	// Session is a chat session row. Deleting a session cascades to its
	// messages and attachments.
	Session struct {
		ID        string    `json:"id"`
		UserID    string    `json:"user_id"`
		Title     string    `json:"title"`
		UpdatedAt time.Time `json:"updated_at"`
		FileNames []string  `json:"file_names,omitempty"`
	}

	// AgentStore persists agent definitions keyed by (name, scope, scope_id).
	AgentStore interface {
		// Save upserts a record.
		Save(ctx context.Context, rec AgentRecord) error
		// Get loads one record. Returns ErrNotFound when missing.
		Get(ctx context.Context, name string, scope Scope, scopeID string) (AgentRecord, error)
		// LoadByScope lists all records in a scope.
		LoadByScope(ctx context.Context, scope Scope, scopeID string) ([]AgentRecord, error)
		// Delete removes a record. Returns ErrNotFound when missing.
		Delete(ctx context.Context, name string, scope Scope, scopeID string) error
		// StaticSeeded reports whether the static catalog was seeded.
		StaticSeeded(ctx context.Context) (bool, error)
		// MarkStaticSeeded records that the static catalog was seeded.
		// Idempotent.
		MarkStaticSeeded(ctx context.Context) error
	}

	// SessionStore persists chat sessions.
	SessionStore interface {
		// Save upserts a session row.
		Save(ctx context.Context, s *Session) error
		// Get loads a session. Returns ErrNotFound when missing.
		Get(ctx context.Context, id string) (*Session, error)
		// Delete removes a session and cascades to messages.
		Delete(ctx context.Context, id string) error
		// ListForUser lists sessions for a user, most recently updated first.
		ListForUser(ctx context.Context, userID string) ([]*Session, error)
	}

	// HistoryStore persists chat messages in rank order.
	HistoryStore interface {
		// Append stores messages. (session_id, rank) must be unique.
		Append(ctx context.Context, msgs []*agent.ChatMessage) error
		// ListBySession returns all messages for a session ordered by rank.
		ListBySession(ctx context.Context, sessionID string) ([]*agent.ChatMessage, error)
		// MaxRank returns the highest rank stored for a session, zero when
		// the session has no messages.
		MaxRank(ctx context.Context, sessionID string) (int, error)
	}
)
