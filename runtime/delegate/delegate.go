// Package delegate bridges a running agent to the durable task engine: it
// submits delegation workflows, waits on them with activity heartbeats so
// long-running children never trip the caller's heartbeat timeout, and
// reports task status to the chat surface.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/engine"
	"github.com/loomhq/loom/runtime/task"
	"github.com/loomhq/loom/runtime/telemetry"
)

// DefaultHeartbeatInterval paces liveness reports while awaiting a child
// workflow. It must stay well under the activity heartbeat timeout.
const DefaultHeartbeatInterval = 25 * time.Second

type (
	// HeartbeatFunc reports activity liveness. Production wiring passes the
	// Temporal-backed recorder; outside an activity it is a no-op.
	HeartbeatFunc func(ctx context.Context, details ...any)

	// Options configures a Bridge.
	Options struct {
		Engine    engine.Engine
		Store     task.Store
		TaskQueue string
		// Heartbeat defaults to a no-op.
		Heartbeat HeartbeatFunc
		// HeartbeatInterval defaults to DefaultHeartbeatInterval.
		HeartbeatInterval time.Duration
		Logger            telemetry.Logger
	}

	// Bridge submits and tracks delegated agent tasks.
	Bridge struct {
		engine    engine.Engine
		store     task.Store
		queue     string
		heartbeat HeartbeatFunc
		every     time.Duration
		logger    telemetry.Logger
	}

	// Submission identifies a started delegation.
	Submission struct {
		TaskID     string `json:"task_id"`
		WorkflowID string `json:"workflow_id"`
	}

	// TaskStatus is the observable state of a delegation, combining the
	// engine view with the final summary when available.
	TaskStatus struct {
		WorkflowID   string        `json:"workflow_id"`
		Status       engine.Status `json:"status"`
		FinalSummary string        `json:"final_summary,omitempty"`
		Error        string        `json:"error,omitempty"`
	}
)

// NewBridge builds a delegation bridge.
func NewBridge(opts Options) *Bridge {
	hb := opts.Heartbeat
	if hb == nil {
		hb = func(context.Context, ...any) {}
	}
	every := opts.HeartbeatInterval
	if every <= 0 {
		every = DefaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bridge{
		engine:    opts.Engine,
		store:     opts.Store,
		queue:     opts.TaskQueue,
		heartbeat: hb,
		every:     every,
		logger:    logger,
	}
}

// Submit records the task and starts its delegation workflow. The workflow
// id is fresh per submission; the engine rejects duplicates.
func (b *Bridge) Submit(ctx context.Context, target, request, userID string, rc *agent.RuntimeContext, params map[string]any) (Submission, engine.Handle, error) {
	taskID := uuid.NewString()
	workflowID := "delegate-" + uuid.NewString()

	rec := task.Record{
		TaskID:      taskID,
		UserID:      userID,
		TargetAgent: target,
		RequestText: request,
		Parameters:  params,
		WorkflowID:  workflowID,
		Status:      task.StatusQueued,
	}
	if rc != nil {
		rec.Context = map[string]any{
			"user_id":       rc.UserID,
			"language":      rc.Language,
			"search_policy": rc.SearchPolicy,
		}
	}
	if _, err := b.store.Create(ctx, rec); err != nil {
		return Submission{}, nil, fmt.Errorf("create task: %w", err)
	}

	handle, err := b.engine.StartWorkflow(ctx, engine.StartOptions{
		ID:        workflowID,
		TaskQueue: b.queue,
	}, task.WorkflowName, task.WorkflowInput{
		TaskID:      taskID,
		UserID:      userID,
		TargetAgent: target,
		RequestText: request,
		Runtime:     rc,
		Parameters:  params,
	})
	if err != nil {
		return Submission{}, nil, fmt.Errorf("start delegation: %w", err)
	}
	if err := b.store.UpdateHandle(ctx, taskID, handle.ID(), handle.RunID()); err != nil {
		b.logger.Warn(ctx, "record workflow handle", "task_id", taskID, "err", err.Error())
	}

	b.logger.Info(ctx, "delegation submitted",
		"task_id", taskID, "workflow_id", workflowID, "target", target)
	return Submission{TaskID: taskID, WorkflowID: workflowID}, handle, nil
}

// WaitWithHeartbeat blocks until the child workflow finishes, emitting a
// heartbeat each interval so the surrounding activity stays alive. Caller
// cancellation cancels the wait, never the child.
func (b *Bridge) WaitWithHeartbeat(ctx context.Context, handle engine.Handle, label string) (task.WorkflowResult, error) {
	var result task.WorkflowResult
	for {
		waitCtx, cancel := context.WithTimeout(ctx, b.every)
		err := handle.Result(waitCtx, &result)
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return task.WorkflowResult{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			b.heartbeat(ctx, map[string]any{
				"label":       label,
				"phase":       "delegated_agent",
				"workflow_id": handle.ID(),
			})
			continue
		}
		return task.WorkflowResult{}, fmt.Errorf("await delegation %s: %w", handle.ID(), err)
	}
}

// Status reports the delegation state. For completed workflows the result
// is fetched best-effort so the chat surface can show the final summary.
func (b *Bridge) Status(ctx context.Context, workflowID string) (TaskStatus, error) {
	desc, err := b.engine.Describe(ctx, workflowID)
	if err != nil {
		return TaskStatus{}, err
	}
	st := TaskStatus{WorkflowID: workflowID, Status: desc.Status}
	if desc.Status == engine.StatusCompleted {
		var result task.WorkflowResult
		if err := b.engine.Result(ctx, workflowID, &result); err == nil {
			st.FinalSummary = result.FinalSummary
			st.Error = result.Error
		} else {
			b.logger.Debug(ctx, "fetch delegation result", "workflow_id", workflowID, "err", err.Error())
		}
	}
	return st, nil
}

// Resume delivers human input to a BLOCKED delegation.
func (b *Bridge) Resume(ctx context.Context, workflowID string, humanInput map[string]any) error {
	return b.engine.Signal(ctx, workflowID, task.SignalHumanInput, humanInput)
}
