// Package task defines the durable agent-task registry: the task record, its
// status state machine, the store contract, and the workflow runner that
// executes delegated agent work under the durable engine.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/runtime/agent"
)

// Status is the lifecycle state of a durable agent task.
type Status string

const (
	// StatusQueued means the task is accepted but not started.
	StatusQueued Status = "QUEUED"
	// StatusRunning means the workflow is executing the task.
	StatusRunning Status = "RUNNING"
	// StatusBlocked means the task paused on an interrupt awaiting human input.
	StatusBlocked Status = "BLOCKED"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is terminal failure.
	StatusFailed Status = "FAILED"
	// StatusCancelled is terminal cancellation.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the status DAG enforced by the store:
// QUEUED → RUNNING → {BLOCKED ↔ RUNNING} → {COMPLETED | FAILED | CANCELLED},
// plus BLOCKED → CANCELLED for operator aborts.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusBlocked: {StatusRunning, StatusCancelled},
}

// ValidTransition reports whether from → to is allowed. Same-status updates
// are allowed so progress refreshes (last_message, percent) need no special
// casing.
func ValidTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Typed errors surfaced by the store.
var (
	// ErrTaskNotFound indicates the task id does not exist.
	ErrTaskNotFound = errors.New("agent task not found")
	// ErrTaskForbidden indicates the task belongs to another user.
	ErrTaskForbidden = errors.New("agent task belongs to another user")
	// ErrInvalidStatusTransition indicates a transition outside the DAG.
	ErrInvalidStatusTransition = errors.New("invalid task status transition")
)

type (
	// Record is the durable task row. WorkflowID is unique and is the
	// handle into the durable engine.
	Record struct {
		TaskID          string          `json:"task_id"`
		UserID          string          `json:"user_id"`
		TargetAgent     string          `json:"target_agent"`
		RequestText     string          `json:"request_text"`
		Context         map[string]any  `json:"context,omitempty"`
		Parameters      map[string]any  `json:"parameters,omitempty"`
		WorkflowID      string          `json:"workflow_id"`
		RunID           string          `json:"run_id,omitempty"`
		Status          Status          `json:"status"`
		LastMessage     string          `json:"last_message,omitempty"`
		PercentComplete int             `json:"percent_complete"`
		Artifacts       []Artifact      `json:"artifacts,omitempty"`
		Blocked         *BlockedDetails `json:"blocked_details,omitempty"`
		ErrorDetails    string          `json:"error_details,omitempty"`
		CreatedAt       time.Time       `json:"created_at"`
		UpdatedAt       time.Time       `json:"updated_at"`
	}

	// Artifact is a produced output referenced by the task.
	Artifact struct {
		Name     string `json:"name"`
		URL      string `json:"url,omitempty"`
		MimeType string `json:"mime_type,omitempty"`
	}

	// BlockedDetails explains an interrupt pause. CheckpointRef is the graph
	// thread id used to resume.
	BlockedDetails struct {
		Reason        string            `json:"reason,omitempty"`
		CheckpointRef string            `json:"checkpoint_ref"`
		Interrupts    []agent.Interrupt `json:"interrupts,omitempty"`
	}

	// StatusUpdate carries the optional fields of an UpdateStatus call.
	StatusUpdate struct {
		LastMessage     *string
		PercentComplete *int
		Blocked         *BlockedDetails
		Artifacts       []Artifact
		ErrorDetails    *string
	}

	// ListFilter narrows ListForUser results.
	ListFilter struct {
		Statuses    []Status
		TargetAgent string
		Limit       int
	}

	// Store is the durable task registry. Create is an idempotent upsert;
	// UpdateStatus enforces the status DAG.
	Store interface {
		// Create upserts by task id. An existing row keeps its status and
		// progress; only workflow_id, run_id, context, parameters and
		// updated_at are refreshed.
		Create(ctx context.Context, rec Record) (Record, error)
		// Get loads a task. Returns ErrTaskNotFound when missing.
		Get(ctx context.Context, taskID string) (Record, error)
		// GetForUser loads a task and checks ownership.
		GetForUser(ctx context.Context, taskID, userID string) (Record, error)
		// UpdateHandle refreshes the engine handle of a task.
		UpdateHandle(ctx context.Context, taskID, workflowID, runID string) error
		// UpdateStatus transitions the task, validating against the DAG.
		// Returns ErrInvalidStatusTransition on violations.
		UpdateStatus(ctx context.Context, taskID string, status Status, upd StatusUpdate) (Record, error)
		// ListForUser lists tasks for a user ordered by created_at DESC.
		ListForUser(ctx context.Context, userID string, filter ListFilter) ([]Record, error)
	}
)

// ClampLimit bounds a list limit to [1, 200], defaulting to 50.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 200:
		return 200
	}
	return limit
}

// CheckTransition returns ErrInvalidStatusTransition with context when the
// transition is outside the DAG. Store implementations call this before
// writing.
func CheckTransition(taskID string, from, to Status) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("task %s: %s -> %s: %w", taskID, from, to, ErrInvalidStatusTransition)
	}
	return nil
}
