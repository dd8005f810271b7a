package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/storage"
)

// seedMarker is the agents row recording that the static catalog was seeded.
const seedMarker = "__static_seeded__"

var _ storage.AgentStore = (*AgentStore)(nil)

// Save upserts an agent record.
func (s *AgentStore) Save(ctx context.Context, rec storage.AgentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, scope, scope_id, enabled, class_name, kind, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, scope, scope_id) DO UPDATE SET
			enabled = excluded.enabled,
			class_name = excluded.class_name,
			kind = excluded.kind,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rec.Name, string(rec.Scope), rec.ScopeID, rec.Enabled, rec.ClassName,
		rec.Kind, rec.Payload, encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save agent %q: %w", rec.Name, err)
	}
	return nil
}

// Get loads one agent record.
func (s *AgentStore) Get(ctx context.Context, name string, scope storage.Scope, scopeID string) (storage.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, scope, scope_id, enabled, class_name, kind, payload, updated_at
		FROM agents WHERE name = ? AND scope = ? AND scope_id = ?`,
		name, string(scope), scopeID)
	rec, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.AgentRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.AgentRecord{}, fmt.Errorf("load agent %q: %w", name, err)
	}
	return rec, nil
}

// LoadByScope lists all agent records in a scope. The seed marker row is
// filtered out.
func (s *AgentStore) LoadByScope(ctx context.Context, scope storage.Scope, scopeID string) ([]storage.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, scope, scope_id, enabled, class_name, kind, payload, updated_at
		FROM agents WHERE scope = ? AND scope_id = ? AND name <> ?
		ORDER BY name`,
		string(scope), scopeID, seedMarker)
	if err != nil {
		return nil, fmt.Errorf("load agents in scope %s: %w", scope, err)
	}
	defer rows.Close()
	var out []storage.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes an agent record.
func (s *AgentStore) Delete(ctx context.Context, name string, scope storage.Scope, scopeID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE name = ? AND scope = ? AND scope_id = ?`,
		name, string(scope), scopeID)
	if err != nil {
		return fmt.Errorf("delete agent %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// StaticSeeded reports whether the seed marker row exists.
func (s *AgentStore) StaticSeeded(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE name = ? AND scope = ?`,
		seedMarker, string(storage.ScopeGlobal)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check seed marker: %w", err)
	}
	return n > 0, nil
}

// MarkStaticSeeded writes the seed marker row. Idempotent.
func (s *AgentStore) MarkStaticSeeded(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, scope, scope_id, enabled, class_name, kind, payload, updated_at)
		VALUES (?, ?, '', 0, '', '', ?, ?)
		ON CONFLICT (name, scope, scope_id) DO NOTHING`,
		seedMarker, string(storage.ScopeGlobal), []byte("{}"), encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("mark static seeded: %w", err)
	}
	return nil
}

func scanAgent(scan func(...any) error) (storage.AgentRecord, error) {
	var (
		rec       storage.AgentRecord
		scope     string
		updatedAt string
	)
	if err := scan(&rec.Name, &scope, &rec.ScopeID, &rec.Enabled,
		&rec.ClassName, &rec.Kind, &rec.Payload, &updatedAt); err != nil {
		return storage.AgentRecord{}, err
	}
	rec.Scope = storage.Scope(scope)
	rec.UpdatedAt = decodeTime(updatedAt)
	return rec, nil
}
