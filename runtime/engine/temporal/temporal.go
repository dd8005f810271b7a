// Package temporal adapts the Temporal Go SDK to the engine contract and
// owns the client/worker wiring, including OpenTelemetry tracing
// interceptors.
package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"

	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/runtime/engine"
)

// Engine is the Temporal-backed engine.
type Engine struct {
	client client.Client
}

var _ engine.Engine = (*Engine)(nil)

// Dial connects to the Temporal frontend with tracing interceptors.
func Dial(cfg config.Temporal) (*Engine, error) {
	tracing, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{})
	if err != nil {
		return nil, fmt.Errorf("temporal: tracing interceptor: %w", err)
	}
	c, err := client.Dial(client.Options{
		HostPort:     cfg.HostPort,
		Namespace:    cfg.Namespace,
		Interceptors: []interceptor.ClientInterceptor{tracing},
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial %s: %w", cfg.HostPort, err)
	}
	return &Engine{client: c}, nil
}

// NewEngine wraps an existing client (tests, shared wiring).
func NewEngine(c client.Client) *Engine { return &Engine{client: c} }

// Client exposes the underlying SDK client for worker registration.
func (e *Engine) Client() client.Client { return e.client }

// Close releases the client connection.
func (e *Engine) Close() { e.client.Close() }

// StartWorkflow starts the named workflow with REJECT_DUPLICATE id reuse:
// resubmitting a delegation id never spawns a second execution.
func (e *Engine) StartWorkflow(ctx context.Context, opts engine.StartOptions, workflow string, arg any) (engine.Handle, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    opts.ID,
		TaskQueue:             opts.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, workflow, arg)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("workflow %q: %w", opts.ID, engine.ErrWorkflowAlreadyStarted)
		}
		return nil, fmt.Errorf("start workflow %q: %w", opts.ID, err)
	}
	return &handle{run: run}, nil
}

// Signal delivers a named signal to the latest run of the workflow id.
func (e *Engine) Signal(ctx context.Context, workflowID, name string, payload any) error {
	err := e.client.SignalWorkflow(ctx, workflowID, "", name, payload)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
		}
		return fmt.Errorf("signal workflow %q: %w", workflowID, err)
	}
	return nil
}

// Describe reports the execution status of the workflow id.
func (e *Engine) Describe(ctx context.Context, workflowID string) (engine.Description, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return engine.Description{}, fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
		}
		return engine.Description{}, fmt.Errorf("describe workflow %q: %w", workflowID, err)
	}
	return engine.Description{
		Status: statusFromProto(resp.GetWorkflowExecutionInfo().GetStatus()),
	}, nil
}

// Result fetches the result of the latest run of the workflow id.
func (e *Engine) Result(ctx context.Context, workflowID string, ptr any) error {
	return e.client.GetWorkflow(ctx, workflowID, "").Get(ctx, ptr)
}

type handle struct {
	run client.WorkflowRun
}

func (h *handle) ID() string    { return h.run.GetID() }
func (h *handle) RunID() string { return h.run.GetRunID() }

func (h *handle) Result(ctx context.Context, ptr any) error {
	return h.run.Get(ctx, ptr)
}

func statusFromProto(s enums.WorkflowExecutionStatus) engine.Status {
	switch s {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.StatusRunning
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.StatusCompleted
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return engine.StatusFailed
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.StatusCancelled
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.StatusTerminated
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.StatusTimedOut
	default:
		return engine.StatusRunning
	}
}

// RecordHeartbeat reports liveness from inside an activity. Outside an
// activity context (inmem engine, tests) it is a no-op.
func RecordHeartbeat(ctx context.Context, details ...any) {
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, details...)
	}
}
