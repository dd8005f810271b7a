package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/catalog"
	"github.com/loomhq/loom/runtime/engine/inmem"
	"github.com/loomhq/loom/runtime/factory"
	"github.com/loomhq/loom/runtime/telemetry"
)

type (
	// RunnerOptions wires the runner's dependencies.
	RunnerOptions struct {
		Store   Store
		Factory *factory.Factory
		Catalog *catalog.Catalog
		Logger  telemetry.Logger
	}

	// Runner is the activity body executing one delegated task run. It warms
	// the target agent under a session keyed by the task id, runs or resumes
	// the graph, and records the outcome in the task store.
	Runner struct {
		store   Store
		factory *factory.Factory
		catalog *catalog.Catalog
		logger  telemetry.Logger

		bootstrapOnce sync.Once
		bootstrapErr  error
	}
)

// NewRunner builds a runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runner{
		store:   opts.Store,
		factory: opts.Factory,
		catalog: opts.Catalog,
		logger:  logger,
	}
}

// Run executes one delegated task attempt. A graph failure becomes a FAILED
// task and a normal activity return: the failure belongs to the task record,
// not to the workflow machinery.
func (r *Runner) Run(ctx context.Context, input WorkflowInput) (WorkflowResult, error) {
	r.bootstrapOnce.Do(func() {
		if r.catalog != nil {
			r.bootstrapErr = r.catalog.Bootstrap(ctx)
		}
	})
	if r.bootstrapErr != nil {
		return WorkflowResult{}, fmt.Errorf("bootstrap catalog: %w", r.bootstrapErr)
	}

	if _, err := r.store.UpdateStatus(ctx, input.TaskID, StatusRunning, StatusUpdate{}); err != nil {
		return WorkflowResult{}, fmt.Errorf("task %s: mark running: %w", input.TaskID, err)
	}

	rc := input.Runtime.Clone()
	if rc == nil {
		rc = &agent.RuntimeContext{}
	}
	if rc.UserID == "" {
		rc.UserID = input.UserID
	}

	// The task id doubles as the session id and the graph thread id, so the
	// checkpoint reference visible in BLOCKED details is the task id itself.
	sessionID := input.TaskID
	ag, _, err := r.factory.CreateAndInit(ctx, input.TargetAgent, rc, sessionID)
	if err != nil {
		return r.fail(ctx, input, fmt.Sprintf("warm agent %q: %v", input.TargetAgent, err))
	}

	g := ag.Graph()
	if g == nil {
		return r.fail(ctx, input, fmt.Sprintf("agent %q has no graph", input.TargetAgent))
	}

	var st *agent.State
	if len(input.HumanInput) > 0 {
		st, err = g.Resume(ctx, sessionID, input.HumanInput, nil)
	} else {
		st, err = g.Invoke(ctx, sessionID, &agent.State{Messages: []*agent.ChatMessage{{
			Role:    agent.RoleUser,
			Channel: agent.ChannelFinal,
			Parts:   agent.NewText(input.RequestText),
		}}}, nil)
	}
	if err != nil {
		r.factory.TeardownSession(ctx, sessionID)
		if errors.Is(err, agent.ErrNoCheckpoint) {
			// The checkpoint lived in the worker that parked the task;
			// this attempt ran elsewhere or after a restart. Make the
			// failure actionable instead of a bare resume error.
			return r.fail(ctx, input, fmt.Sprintf(
				"resume task %s: checkpoint %s is gone (worker restarted or changed); resubmit the task: %v",
				input.TaskID, sessionID, err))
		}
		return r.fail(ctx, input, err.Error())
	}

	if st.Blocked {
		// Keep the session alive and pinned: the in-memory checkpoint must
		// survive cache pressure until the human input arrives and the
		// resume run picks it up.
		r.factory.PinSession(sessionID)
		return r.block(ctx, input, g, sessionID)
	}

	defer r.factory.TeardownSession(ctx, sessionID)
	return r.complete(ctx, input, st)
}

func (r *Runner) block(ctx context.Context, input WorkflowInput, g agent.CompiledGraph, sessionID string) (WorkflowResult, error) {
	var interrupts []agent.Interrupt
	if snap, ok := g.Snapshot(sessionID); ok {
		interrupts = snap.Interrupts
	}
	reason := "awaiting human input"
	if len(interrupts) > 0 && interrupts[0].Reason != "" {
		reason = interrupts[0].Reason
	}
	details := &BlockedDetails{
		Reason:        reason,
		CheckpointRef: sessionID,
		Interrupts:    interrupts,
	}
	if _, err := r.store.UpdateStatus(ctx, input.TaskID, StatusBlocked, StatusUpdate{Blocked: details}); err != nil {
		return WorkflowResult{}, fmt.Errorf("task %s: mark blocked: %w", input.TaskID, err)
	}
	r.logger.Info(ctx, "task blocked on interrupt", "task_id", input.TaskID, "reason", reason)
	return WorkflowResult{TaskID: input.TaskID, Status: StatusBlocked, Interrupts: interrupts}, nil
}

func (r *Runner) complete(ctx context.Context, input WorkflowInput, st *agent.State) (WorkflowResult, error) {
	summary := ""
	var artifacts []Artifact
	if final := st.LastAssistant(); final != nil {
		summary = final.Text()
		for _, src := range final.Metadata.Sources {
			artifacts = append(artifacts, Artifact{Name: src.Title, URL: src.URL})
		}
	}
	percent := 100
	if _, err := r.store.UpdateStatus(ctx, input.TaskID, StatusCompleted, StatusUpdate{
		LastMessage:     &summary,
		PercentComplete: &percent,
		Artifacts:       artifacts,
	}); err != nil {
		return WorkflowResult{}, fmt.Errorf("task %s: mark completed: %w", input.TaskID, err)
	}
	return WorkflowResult{
		TaskID:       input.TaskID,
		Status:       StatusCompleted,
		FinalSummary: summary,
		Artifacts:    artifacts,
	}, nil
}

func (r *Runner) fail(ctx context.Context, input WorkflowInput, msg string) (WorkflowResult, error) {
	r.logger.Warn(ctx, "task failed", "task_id", input.TaskID, "err", msg)
	if _, err := r.store.UpdateStatus(ctx, input.TaskID, StatusFailed, StatusUpdate{ErrorDetails: &msg}); err != nil {
		return WorkflowResult{}, fmt.Errorf("task %s: mark failed: %w", input.TaskID, err)
	}
	return WorkflowResult{TaskID: input.TaskID, Status: StatusFailed, Error: msg}, nil
}

// RegisterInmem binds the delegation workflow semantics to the in-memory
// engine: the activity loop plus the human-input suspension, driven by plain
// goroutines and channels instead of workflow history.
func (r *Runner) RegisterInmem(e *inmem.Engine) {
	e.Register(WorkflowName, func(ctx context.Context, env *inmem.Env, arg any) (any, error) {
		input, err := decodeInput(arg)
		if err != nil {
			return nil, err
		}
		for {
			result, err := r.Run(ctx, input)
			if err != nil {
				return nil, err
			}
			if result.Status != StatusBlocked {
				return result, nil
			}
			select {
			case payload := <-env.Signal(SignalHumanInput):
				input.HumanInput = toMap(payload)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	})
}

func decodeInput(arg any) (WorkflowInput, error) {
	switch v := arg.(type) {
	case WorkflowInput:
		return v, nil
	case *WorkflowInput:
		return *v, nil
	default:
		return WorkflowInput{}, fmt.Errorf("unexpected workflow input type %T", arg)
	}
}

func toMap(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": payload}
}
