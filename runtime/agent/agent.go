// Package agent defines the core data model of the orchestration runtime:
// chat messages, agent settings and tuning, the per-request runtime context,
// and the capability contracts implemented by agent classes.
//
// The contracts are deliberately narrow. An agent is configured
// (ApplySettings, SetRuntimeContext), initialized once (Init), exposes a
// compiled graph that consumes a message list and returns messages, and is
// closed when its session ends. Leaders additionally receive their crew at
// initialization time.
package agent

import (
	"context"
	"errors"
)

// ErrNoCheckpoint reports a resume against a thread whose checkpoint is
// gone: the worker restarted or the agent was evicted in the meantime.
var ErrNoCheckpoint = errors.New("no checkpoint to resume")

type (
	// State is the graph execution state: the conversation so far plus the
	// optional injected chat context block.
	State struct {
		// Messages is the conversation history, oldest first.
		Messages []*ChatMessage
		// ChatContext is an optional context block appended after the
		// system message.
		ChatContext string
		// HumanInput carries the resume payload when re-entering a
		// checkpointed graph.
		HumanInput map[string]any
		// Blocked reports that the graph paused on an interrupt and
		// checkpointed; the final state is not yet available.
		Blocked bool
	}

	// Interrupt describes a node-level pause requesting human input.
	Interrupt struct {
		ID        string     `json:"id"`
		Reason    string     `json:"reason"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}

	// Snapshot is the inspectable checkpoint state of a graph thread.
	Snapshot struct {
		ThreadID   string      `json:"thread_id"`
		Interrupts []Interrupt `json:"interrupts,omitempty"`
	}

	// EmitFunc receives intermediate messages while a graph executes. A
	// non-nil error cancels the run.
	EmitFunc func(ctx context.Context, msg *ChatMessage) error

	// CompiledGraph is the executable reasoning loop of an agent. Thread IDs
	// key the checkpoint store so interrupted runs can resume.
	CompiledGraph interface {
		// Invoke runs the graph to completion or to an interrupt. The
		// returned state's Blocked flag reports an interrupt pause.
		Invoke(ctx context.Context, threadID string, st *State, emit EmitFunc) (*State, error)
		// Resume re-enters a checkpointed thread with human input.
		Resume(ctx context.Context, threadID string, humanInput map[string]any, emit EmitFunc) (*State, error)
		// Snapshot returns the checkpoint state for a thread.
		Snapshot(threadID string) (*Snapshot, bool)
	}

	// Agent is the capability contract every agent class implements.
	// ApplySettings and SetRuntimeContext are called before Init; Close is
	// idempotent and never panics.
	Agent interface {
		Name() string
		ApplySettings(s *Settings) error
		SetRuntimeContext(rc *RuntimeContext)
		Init(ctx context.Context) error
		Graph() CompiledGraph
		Close(ctx context.Context) error
	}

	// Leader is an agent whose tools are other agents. The factory builds
	// the crew recursively and hands it over before use.
	Leader interface {
		Agent
		InitWithCrew(ctx context.Context, crew []Agent) error
	}

	// Constructor builds an uninitialized agent instance. The registry maps
	// class names to constructors; construction must be cheap and must not
	// acquire long-lived resources.
	Constructor func() Agent
)

// LastAssistant returns the last assistant message in the state, if any.
func (s *State) LastAssistant() *ChatMessage {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i]
		}
	}
	return nil
}

// PendingToolCalls returns the tool calls of the trailing assistant message.
// Tool results appended after the assistant message clear the pending set.
func (s *State) PendingToolCalls() []ToolCall {
	if len(s.Messages) == 0 {
		return nil
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != RoleAssistant {
		return nil
	}
	return last.ToolCalls
}

// Append adds messages to the state.
func (s *State) Append(msgs ...*ChatMessage) {
	s.Messages = append(s.Messages, msgs...)
}
