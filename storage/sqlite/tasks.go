package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/runtime/task"
)

var _ task.Store = (*TaskStore)(nil)

const taskColumns = `task_id, user_id, target_agent, request_text, context, parameters,
	workflow_id, run_id, status, last_message, percent_complete, artifacts,
	blocked_details, error_details, created_at, updated_at`

// Create upserts by task id. An existing row keeps its status and progress;
// only the handle, context, parameters and updated_at are refreshed.
func (s *TaskStore) Create(ctx context.Context, rec task.Record) (task.Record, error) {
	if rec.Status == "" {
		rec.Status = task.StatusQueued
	}
	now := time.Now().UTC()
	contextJSON, err := encodeJSON(rec.Context)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode task context: %w", err)
	}
	paramsJSON, err := encodeJSON(rec.Parameters)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode task parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			run_id = excluded.run_id,
			context = excluded.context,
			parameters = excluded.parameters,
			updated_at = excluded.updated_at`,
		rec.TaskID, rec.UserID, rec.TargetAgent, rec.RequestText,
		contextJSON, paramsJSON, rec.WorkflowID, rec.RunID, string(rec.Status),
		rec.LastMessage, rec.PercentComplete, nil, nil, rec.ErrorDetails,
		encodeTime(now), encodeTime(now))
	if err != nil {
		return task.Record{}, fmt.Errorf("create task %s: %w", rec.TaskID, err)
	}
	return s.Get(ctx, rec.TaskID)
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (task.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE task_id = ?`, taskID)
	rec, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, task.ErrTaskNotFound
	}
	if err != nil {
		return task.Record{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return rec, nil
}

// GetForUser loads a task and checks ownership.
func (s *TaskStore) GetForUser(ctx context.Context, taskID, userID string) (task.Record, error) {
	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return task.Record{}, err
	}
	if rec.UserID != userID {
		return task.Record{}, task.ErrTaskForbidden
	}
	return rec, nil
}

// UpdateHandle refreshes the engine handle of a task.
func (s *TaskStore) UpdateHandle(ctx context.Context, taskID, workflowID, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks SET workflow_id = ?, run_id = ?, updated_at = ?
		WHERE task_id = ?`,
		workflowID, runID, encodeTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("update task %s handle: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// UpdateStatus transitions the task, validating against the DAG inside a
// transaction so concurrent updates cannot skip states.
func (s *TaskStore) UpdateStatus(ctx context.Context, taskID string, status task.Status, upd task.StatusUpdate) (task.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Record{}, fmt.Errorf("update task %s status: %w", taskID, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE task_id = ?`, taskID)
	rec, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, task.ErrTaskNotFound
	}
	if err != nil {
		return task.Record{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if err := task.CheckTransition(taskID, rec.Status, status); err != nil {
		return task.Record{}, err
	}

	rec.Status = status
	if upd.LastMessage != nil {
		rec.LastMessage = *upd.LastMessage
	}
	if upd.PercentComplete != nil {
		rec.PercentComplete = *upd.PercentComplete
	}
	if upd.Blocked != nil {
		rec.Blocked = upd.Blocked
	}
	if status != task.StatusBlocked {
		rec.Blocked = nil
	}
	if upd.Artifacts != nil {
		rec.Artifacts = upd.Artifacts
	}
	if upd.ErrorDetails != nil {
		rec.ErrorDetails = *upd.ErrorDetails
	}
	rec.UpdatedAt = time.Now().UTC()

	artifactsJSON, err := encodeJSON(rec.Artifacts)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode task artifacts: %w", err)
	}
	blockedJSON, err := encodeJSON(rec.Blocked)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode blocked details: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, last_message = ?, percent_complete = ?,
			artifacts = ?, blocked_details = ?, error_details = ?, updated_at = ?
		WHERE task_id = ?`,
		string(rec.Status), rec.LastMessage, rec.PercentComplete,
		artifactsJSON, blockedJSON, rec.ErrorDetails,
		encodeTime(rec.UpdatedAt), taskID); err != nil {
		return task.Record{}, fmt.Errorf("update task %s status: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return task.Record{}, fmt.Errorf("update task %s status: %w", taskID, err)
	}
	return rec, nil
}

// ListForUser lists tasks for a user ordered by created_at DESC with
// optional status and agent filters.
func (s *TaskStore) ListForUser(ctx context.Context, userID string, filter task.ListFilter) ([]task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE user_id = ?`
	args := []any{userID}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(filter.Statuses)-1) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.TargetAgent != "" {
		query += ` AND target_agent = ?`
		args = append(args, filter.TargetAgent)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, task.ClampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", userID, err)
	}
	defer rows.Close()
	var out []task.Record
	for rows.Next() {
		rec, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTask(scan func(...any) error) (task.Record, error) {
	var (
		rec         task.Record
		status      string
		contextJSON sql.NullString
		paramsJSON  sql.NullString
		artifacts   sql.NullString
		blocked     sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scan(&rec.TaskID, &rec.UserID, &rec.TargetAgent, &rec.RequestText,
		&contextJSON, &paramsJSON, &rec.WorkflowID, &rec.RunID, &status,
		&rec.LastMessage, &rec.PercentComplete, &artifacts, &blocked,
		&rec.ErrorDetails, &createdAt, &updatedAt); err != nil {
		return task.Record{}, err
	}
	rec.Status = task.Status(status)
	rec.CreatedAt = decodeTime(createdAt)
	rec.UpdatedAt = decodeTime(updatedAt)
	if err := decodeJSON(contextJSON, &rec.Context); err != nil {
		return task.Record{}, fmt.Errorf("decode task context: %w", err)
	}
	if err := decodeJSON(paramsJSON, &rec.Parameters); err != nil {
		return task.Record{}, fmt.Errorf("decode task parameters: %w", err)
	}
	if err := decodeJSON(artifacts, &rec.Artifacts); err != nil {
		return task.Record{}, fmt.Errorf("decode task artifacts: %w", err)
	}
	if err := decodeJSON(blocked, &rec.Blocked); err != nil {
		return task.Record{}, fmt.Errorf("decode blocked details: %w", err)
	}
	return rec, nil
}

// encodeJSON returns NULL for nil values so empty columns stay empty.
func encodeJSON(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case []task.Artifact:
		if val == nil {
			return nil, nil
		}
	case *task.BlockedDetails:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeJSON(col sql.NullString, ptr any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), ptr)
}
