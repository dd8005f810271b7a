package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	contextJSON, err := encodeJSON(rec.Context == nil, rec.Context)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode task context: %w", err)
	}
	paramsJSON, err := encodeJSON(rec.Parameters == nil, rec.Parameters)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode task parameters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (task_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			run_id = excluded.run_id,
			context = excluded.context,
			parameters = excluded.parameters,
			updated_at = excluded.updated_at`,
		rec.TaskID, rec.UserID, rec.TargetAgent, rec.RequestText,
		contextJSON, paramsJSON, rec.WorkflowID, rec.RunID, string(rec.Status),
		rec.LastMessage, rec.PercentComplete, nil, nil, rec.ErrorDetails,
		now, now)
	if err != nil {
		return task.Record{}, fmt.Errorf("create task %s: %w", rec.TaskID, err)
	}
	return s.Get(ctx, rec.TaskID)
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (task.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE task_id = $1`, taskID)
	rec, err := scanTask(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_tasks SET workflow_id = $1, run_id = $2, updated_at = $3
		WHERE task_id = $4`,
		workflowID, runID, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("update task %s handle: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// UpdateStatus transitions the task, validating against the DAG inside a
// transaction with the row locked so concurrent updates cannot skip states.
func (s *TaskStore) UpdateStatus(ctx context.Context, taskID string, status task.Status, upd task.StatusUpdate) (task.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return task.Record{}, fmt.Errorf("update task %s status: %w", taskID, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE task_id = $1 FOR UPDATE`, taskID)
	rec, err := scanTask(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
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

	artifactsJSON, err := encodeJSON(rec.Artifacts == nil, rec.Artifacts)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode task artifacts: %w", err)
	}
	blockedJSON, err := encodeJSON(rec.Blocked == nil, rec.Blocked)
	if err != nil {
		return task.Record{}, fmt.Errorf("encode blocked details: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE agent_tasks SET status = $1, last_message = $2, percent_complete = $3,
			artifacts = $4, blocked_details = $5, error_details = $6, updated_at = $7
		WHERE task_id = $8`,
		string(rec.Status), rec.LastMessage, rec.PercentComplete,
		artifactsJSON, blockedJSON, rec.ErrorDetails, rec.UpdatedAt, taskID); err != nil {
		return task.Record{}, fmt.Errorf("update task %s status: %w", taskID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return task.Record{}, fmt.Errorf("update task %s status: %w", taskID, err)
	}
	return rec, nil
}

// ListForUser lists tasks for a user ordered by created_at DESC with
// optional status and agent filters.
func (s *TaskStore) ListForUser(ctx context.Context, userID string, filter task.ListFilter) ([]task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE user_id = $1`
	args := []any{userID}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if filter.TargetAgent != "" {
		args = append(args, filter.TargetAgent)
		query += fmt.Sprintf(` AND target_agent = $%d`, len(args))
	}
	args = append(args, task.ClampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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
		contextJSON []byte
		paramsJSON  []byte
		artifacts   []byte
		blocked     []byte
	)
	if err := scan(&rec.TaskID, &rec.UserID, &rec.TargetAgent, &rec.RequestText,
		&contextJSON, &paramsJSON, &rec.WorkflowID, &rec.RunID, &status,
		&rec.LastMessage, &rec.PercentComplete, &artifacts, &blocked,
		&rec.ErrorDetails, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return task.Record{}, err
	}
	rec.Status = task.Status(status)
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

// encodeJSON returns NULL for absent values so empty columns stay empty.
func encodeJSON(isNil bool, v any) (any, error) {
	if isNil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeJSON(raw []byte, ptr any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, ptr)
}
