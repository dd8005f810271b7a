// Package inmem runs workflows as plain goroutines with channel-backed
// signals. It preserves the engine semantics that matter to callers
// (duplicate id rejection, signal delivery, status transitions, result
// decoding) without a Temporal server, for tests and development.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/engine"
)

type (
	// WorkflowFunc is the in-process workflow body. Signals arrive through
	// the Env; the returned value becomes the workflow result.
	WorkflowFunc func(ctx context.Context, env *Env, arg any) (any, error)

	// Engine is the in-memory engine.
	Engine struct {
		mu        sync.Mutex
		workflows map[string]WorkflowFunc
		runs      map[string]*run
	}

	// Env is the per-run workflow environment.
	Env struct {
		WorkflowID string
		RunID      string
		run        *run
	}

	run struct {
		id    string
		runID string

		mu      sync.Mutex
		status  engine.Status
		result  any
		err     error
		done    chan struct{}
		signals map[string]chan any
	}
)

// New builds an engine with no registered workflows.
func New() *Engine {
	return &Engine{
		workflows: make(map[string]WorkflowFunc),
		runs:      make(map[string]*run),
	}
}

var _ engine.Engine = (*Engine)(nil)

// Register binds a workflow name to its body. Startup wiring only.
func (e *Engine) Register(name string, fn WorkflowFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[name]; ok {
		panic(fmt.Sprintf("inmem: workflow %q registered twice", name))
	}
	e.workflows[name] = fn
}

// StartWorkflow spawns the workflow goroutine. Reusing a live or completed
// workflow id is rejected, mirroring REJECT_DUPLICATE.
func (e *Engine) StartWorkflow(ctx context.Context, opts engine.StartOptions, workflow string, arg any) (engine.Handle, error) {
	e.mu.Lock()
	fn, ok := e.workflows[workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("inmem: workflow %q not registered", workflow)
	}
	if _, exists := e.runs[opts.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q: %w", opts.ID, engine.ErrWorkflowAlreadyStarted)
	}
	r := &run{
		id:      opts.ID,
		runID:   uuid.NewString(),
		status:  engine.StatusRunning,
		done:    make(chan struct{}),
		signals: make(map[string]chan any),
	}
	e.runs[opts.ID] = r
	e.mu.Unlock()

	go func() {
		env := &Env{WorkflowID: r.id, RunID: r.runID, run: r}
		result, err := fn(context.WithoutCancel(ctx), env, arg)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.result = result
		r.err = err
		if err != nil {
			r.status = engine.StatusFailed
		} else {
			r.status = engine.StatusCompleted
		}
		close(r.done)
	}()
	return &handle{run: r}, nil
}

// Signal delivers a payload to the named signal channel of a running
// workflow.
func (e *Engine) Signal(_ context.Context, workflowID, name string, payload any) error {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
	}
	ch := r.signalChan(name)
	select {
	case ch <- payload:
		return nil
	case <-r.done:
		return fmt.Errorf("workflow %q already finished: %w", workflowID, engine.ErrWorkflowNotFound)
	}
}

// Describe reports the run status.
func (e *Engine) Describe(_ context.Context, workflowID string) (engine.Description, error) {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return engine.Description{}, fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return engine.Description{Status: r.status}, nil
}

// Result waits for the identified workflow and decodes its result.
func (e *Engine) Result(ctx context.Context, workflowID string, ptr any) error {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
	}
	return (&handle{run: r}).Result(ctx, ptr)
}

// Signal returns the channel delivering the named signal. Workflow bodies
// select on it against their context.
func (env *Env) Signal(name string) <-chan any {
	return env.run.signalChan(name)
}

func (r *run) signalChan(name string) chan any {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.signals[name]
	if !ok {
		ch = make(chan any, 4)
		r.signals[name] = ch
	}
	return ch
}

type handle struct {
	run *run
}

func (h *handle) ID() string    { return h.run.id }
func (h *handle) RunID() string { return h.run.runID }

// Result waits for completion and decodes the result into ptr through a
// JSON round-trip, mirroring the payload conversion of the real engine.
func (h *handle) Result(ctx context.Context, ptr any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.run.done:
	}
	h.run.mu.Lock()
	result, err := h.run.result, h.run.err
	h.run.mu.Unlock()
	if err != nil {
		return err
	}
	if ptr == nil || result == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode workflow result: %w", err)
	}
	if err := json.Unmarshal(raw, ptr); err != nil {
		return fmt.Errorf("decode workflow result: %w", err)
	}
	return nil
}
