package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by development mode and tests. It
// enforces the same semantics as the SQL stores: idempotent Create, DAG
// validated transitions, ownership checks.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

// NewMemStore builds an empty store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]Record)}
}

var _ Store = (*MemStore)(nil)

// Create upserts by task id. An existing row keeps its status and progress;
// only the handle, context, parameters and updated_at are refreshed.
func (s *MemStore) Create(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.rows[rec.TaskID]; ok {
		existing.WorkflowID = rec.WorkflowID
		existing.RunID = rec.RunID
		existing.Context = rec.Context
		existing.Parameters = rec.Parameters
		existing.UpdatedAt = now
		s.rows[rec.TaskID] = existing
		return existing, nil
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.rows[rec.TaskID] = rec
	return rec, nil
}

// Get loads a task by id.
func (s *MemStore) Get(_ context.Context, taskID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[taskID]
	if !ok {
		return Record{}, ErrTaskNotFound
	}
	return rec, nil
}

// GetForUser loads a task and checks ownership.
func (s *MemStore) GetForUser(ctx context.Context, taskID, userID string) (Record, error) {
	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return Record{}, err
	}
	if rec.UserID != userID {
		return Record{}, ErrTaskForbidden
	}
	return rec, nil
}

// UpdateHandle refreshes the engine handle of a task.
func (s *MemStore) UpdateHandle(_ context.Context, taskID, workflowID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	rec.WorkflowID = workflowID
	rec.RunID = runID
	rec.UpdatedAt = time.Now().UTC()
	s.rows[taskID] = rec
	return nil
}

// UpdateStatus transitions the task, validating against the DAG.
func (s *MemStore) UpdateStatus(_ context.Context, taskID string, status Status, upd StatusUpdate) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[taskID]
	if !ok {
		return Record{}, ErrTaskNotFound
	}
	if err := CheckTransition(taskID, rec.Status, status); err != nil {
		return Record{}, err
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
	if status != StatusBlocked {
		rec.Blocked = nil
	}
	if upd.Artifacts != nil {
		rec.Artifacts = upd.Artifacts
	}
	if upd.ErrorDetails != nil {
		rec.ErrorDetails = *upd.ErrorDetails
	}
	rec.UpdatedAt = time.Now().UTC()
	s.rows[taskID] = rec
	return rec, nil
}

// ListForUser lists the user's tasks, newest first.
func (s *MemStore) ListForUser(_ context.Context, userID string, filter ListFilter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make(map[Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}
	var out []Record
	for _, rec := range s.rows {
		if rec.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !statuses[rec.Status] {
			continue
		}
		if filter.TargetAgent != "" && rec.TargetAgent != filter.TargetAgent {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := ClampLimit(filter.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
