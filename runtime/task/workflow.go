package task

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/loomhq/loom/runtime/agent"
)

// Durable engine identifiers shared by the workflow, the runner, and the
// delegation bridge.
const (
	// WorkflowName is the registered name of the delegation workflow.
	WorkflowName = "AgentTaskWorkflow"
	// ActivityName is the registered name of the runner activity.
	ActivityName = "RunAgentTask"
	// SignalHumanInput resumes a BLOCKED task with the human payload.
	SignalHumanInput = "human-input"
)

// Activity execution bounds. The heartbeat timeout must exceed the bridge's
// heartbeat interval with margin.
const (
	activityTimeout  = 30 * time.Minute
	heartbeatTimeout = 2 * time.Minute
)

type (
	// WorkflowInput is the delegation request handed to the workflow. It is
	// serialized by the engine, so everything in it must survive a JSON
	// round-trip.
	WorkflowInput struct {
		TaskID      string                `json:"task_id"`
		UserID      string                `json:"user_id"`
		TargetAgent string                `json:"target_agent"`
		RequestText string                `json:"request_text"`
		Runtime     *agent.RuntimeContext `json:"runtime,omitempty"`
		Parameters  map[string]any        `json:"parameters,omitempty"`
		// HumanInput carries the resume payload on re-runs after a BLOCKED
		// pause. Empty on the first run.
		HumanInput map[string]any `json:"human_input,omitempty"`
	}

	// WorkflowResult is the workflow return value. A FAILED task completes
	// the workflow normally; the failure lives in the task status.
	WorkflowResult struct {
		TaskID       string            `json:"task_id"`
		Status       Status            `json:"status"`
		FinalSummary string            `json:"final_summary,omitempty"`
		Artifacts    []Artifact        `json:"artifacts,omitempty"`
		Interrupts   []agent.Interrupt `json:"interrupts,omitempty"`
		Error        string            `json:"error,omitempty"`
	}
)

// DelegationWorkflow drives the runner activity until the task reaches a
// terminal status. A BLOCKED result suspends the workflow on the
// human-input signal, then re-runs the activity with the received payload.
// The suspension survives process restarts because it lives in workflow
// history, not in memory.
func DelegationWorkflow(ctx workflow.Context, input WorkflowInput) (WorkflowResult, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	for {
		var result WorkflowResult
		if err := workflow.ExecuteActivity(ctx, ActivityName, input).Get(ctx, &result); err != nil {
			return WorkflowResult{}, err
		}
		if result.Status != StatusBlocked {
			return result, nil
		}

		var payload map[string]any
		workflow.GetSignalChannel(ctx, SignalHumanInput).Receive(ctx, &payload)
		input.HumanInput = payload
	}
}
