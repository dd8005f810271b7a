// Package engine abstracts the durable workflow backend. The Temporal
// adapter is the production implementation; the inmem engine runs the same
// workflow semantics in-process for tests and development.
package engine

import (
	"context"
	"errors"
)

// Status is the coarse workflow execution status shared by all backends.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTerminated Status = "TERMINATED"
	StatusTimedOut   Status = "TIMED_OUT"
)

var (
	// ErrWorkflowAlreadyStarted indicates the workflow id is already in use.
	// Duplicate submission of the same delegation is rejected, not merged.
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")
	// ErrWorkflowNotFound indicates no execution exists for the id.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

type (
	// Engine starts, signals, and inspects durable workflows.
	Engine interface {
		// StartWorkflow starts the named workflow. Workflow ids are rejected
		// when an execution with the same id already exists.
		StartWorkflow(ctx context.Context, opts StartOptions, workflow string, arg any) (Handle, error)
		// Signal delivers a named signal to a running workflow.
		Signal(ctx context.Context, workflowID, name string, payload any) error
		// Describe reports the execution status for a workflow id.
		Describe(ctx context.Context, workflowID string) (Description, error)
		// Result decodes the result of a finished workflow into ptr. It
		// blocks while the workflow is still running.
		Result(ctx context.Context, workflowID string, ptr any) error
	}

	// StartOptions identify the execution to start.
	StartOptions struct {
		ID        string
		TaskQueue string
	}

	// Handle tracks one started execution.
	Handle interface {
		ID() string
		RunID() string
		// Result blocks until the execution completes and decodes the
		// workflow result into ptr.
		Result(ctx context.Context, ptr any) error
	}

	// Description is the observable state of an execution.
	Description struct {
		Status Status
	}
)

// Terminal reports whether the status admits no further progress.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTerminated, StatusTimedOut:
		return true
	}
	return false
}
