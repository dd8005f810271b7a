package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/storage"
)

var (
	_ storage.SessionStore = (*SessionStore)(nil)
	_ storage.HistoryStore = (*HistoryStore)(nil)
)

// Save upserts a session row.
func (s *SessionStore) Save(ctx context.Context, sess *storage.Session) error {
	files, err := json.Marshal(sess.FileNames)
	if err != nil {
		return fmt.Errorf("encode session files: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, title, file_names, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			file_names = excluded.file_names,
			updated_at = excluded.updated_at`,
		sess.ID, sess.UserID, sess.Title, files, sess.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads a session.
func (s *SessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, file_names, updated_at FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

// Delete removes a session and its messages.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete session %s messages: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return tx.Commit(ctx)
}

// ListForUser lists the user's sessions, most recently updated first.
func (s *SessionStore) ListForUser(ctx context.Context, userID string) ([]*storage.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, file_names, updated_at
		FROM sessions WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", userID, err)
	}
	defer rows.Close()
	var out []*storage.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Append stores messages in one transaction. (session_id, rank) collisions
// fail the batch.
func (h *HistoryStore) Append(ctx context.Context, msgs []*agent.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message rank %d: %w", msg.Rank, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (session_id, "rank", exchange_id, payload)
			VALUES ($1, $2, $3, $4)`,
			msg.SessionID, msg.Rank, msg.ExchangeID, payload); err != nil {
			return fmt.Errorf("append message %s/%d: %w", msg.SessionID, msg.Rank, err)
		}
	}
	return tx.Commit(ctx)
}

// ListBySession returns all messages of a session ordered by rank.
func (h *HistoryStore) ListBySession(ctx context.Context, sessionID string) ([]*agent.ChatMessage, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT payload FROM messages WHERE session_id = $1 ORDER BY "rank"`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
	}
	defer rows.Close()
	var out []*agent.ChatMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var msg agent.ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode message in %s: %w", sessionID, err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// MaxRank returns the highest rank stored for a session, zero when empty.
func (h *HistoryStore) MaxRank(ctx context.Context, sessionID string) (int, error) {
	var max int
	err := h.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX("rank"), 0) FROM messages WHERE session_id = $1`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max rank for %s: %w", sessionID, err)
	}
	return max, nil
}

func scanSession(scan func(...any) error) (*storage.Session, error) {
	var (
		sess  storage.Session
		files []byte
	)
	if err := scan(&sess.ID, &sess.UserID, &sess.Title, &files, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(files, &sess.FileNames); err != nil {
		return nil, fmt.Errorf("decode session files: %w", err)
	}
	return &sess, nil
}
