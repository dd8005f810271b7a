// Package graph implements the reasoner/tool loop behind every agent: a
// bounded state machine that alternates model invocations with resilient tool
// execution, checkpoints its state per thread, and pauses on tools that
// require human approval.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/mcp"
	"github.com/loomhq/loom/runtime/model"
	"github.com/loomhq/loom/runtime/telemetry"
)

type (
	// ToolRunner is the slice of the MCP runtime the graph depends on.
	// *mcp.Runtime satisfies it; tests substitute fakes.
	ToolRunner interface {
		Tools() *mcp.Toolkit
		Call(ctx context.Context, name string, args map[string]any) (mcp.CallResult, error)
		RefreshAndBind(ctx context.Context) error
	}

	// Options configures a Graph.
	Options struct {
		// Model invokes the chat model. Required.
		Model model.Client
		// ModelName is the provider model identifier.
		ModelName string
		// Tools dispatches tool calls. Nil means the agent is tool-less.
		Tools ToolRunner
		// Prompt is the raw system prompt template; {token} placeholders are
		// rendered per request.
		Prompt string
		// AgentName is stamped into message metadata and prompt tokens.
		AgentName string
		// Runtime returns the live runtime context. Required: language and
		// user identity are read per tick, never captured.
		Runtime func() *agent.RuntimeContext
		// ApprovalTools lists tool names that pause the graph for human
		// confirmation before executing.
		ApprovalTools []string
		// MaxDepth bounds reasoner iterations per exchange. Default 16.
		MaxDepth int
		// ToolTimeout bounds each tool call. Default 8s.
		ToolTimeout time.Duration
		// Temperature and MaxTokens pass through to the model request.
		Temperature float64
		MaxTokens   int
		// CallChannel is the channel carrying assistant tool-call messages.
		// Defaults to thought; leaders use plan.
		CallChannel agent.Channel

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Graph is a compiled reasoner/tool loop. One instance serves one agent
	// instance; thread ids key the checkpoint store so interrupted exchanges
	// resume where they paused.
	Graph struct {
		opts     Options
		approval map[string]bool

		mu      sync.Mutex
		threads map[string]*thread
	}

	thread struct {
		state      *agent.State
		interrupts []agent.Interrupt
	}
)

const (
	// DefaultMaxDepth bounds reasoner iterations per exchange.
	DefaultMaxDepth = 16
	// DefaultToolTimeout bounds each individual tool call.
	DefaultToolTimeout = 8 * time.Second
)

// New compiles a graph from options, applying defaults.
func New(opts Options) *Graph {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Runtime == nil {
		opts.Runtime = func() *agent.RuntimeContext { return &agent.RuntimeContext{} }
	}
	if opts.CallChannel == "" {
		opts.CallChannel = agent.ChannelThought
	}
	approval := make(map[string]bool, len(opts.ApprovalTools))
	for _, name := range opts.ApprovalTools {
		approval[name] = true
	}
	return &Graph{opts: opts, approval: approval, threads: make(map[string]*thread)}
}

var _ agent.CompiledGraph = (*Graph)(nil)

// Invoke runs the loop until a final answer, an interrupt, or the depth
// limit. The returned state's Blocked flag reports an interrupt pause.
func (g *Graph) Invoke(ctx context.Context, threadID string, st *agent.State, emit agent.EmitFunc) (*agent.State, error) {
	if st == nil {
		st = &agent.State{}
	}
	return g.run(ctx, threadID, st, emit, false)
}

// Resume re-enters a checkpointed thread with human input. The gated tool
// calls execute (or are declined) according to the input, then the loop
// continues.
func (g *Graph) Resume(ctx context.Context, threadID string, humanInput map[string]any, emit agent.EmitFunc) (*agent.State, error) {
	g.mu.Lock()
	th, ok := g.threads[threadID]
	if !ok || th.state == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("thread %q: %w", threadID, agent.ErrNoCheckpoint)
	}
	st := th.state
	th.interrupts = nil
	g.mu.Unlock()

	st.HumanInput = humanInput
	st.Blocked = false
	return g.run(ctx, threadID, st, emit, true)
}

// Snapshot returns the checkpoint state for a thread.
func (g *Graph) Snapshot(threadID string) (*agent.Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	th, ok := g.threads[threadID]
	if !ok {
		return nil, false
	}
	return &agent.Snapshot{
		ThreadID:   threadID,
		Interrupts: append([]agent.Interrupt(nil), th.interrupts...),
	}, true
}

// run drives the state machine. resumed marks the first tools step as
// already approved by the human input carried in the state.
func (g *Graph) run(ctx context.Context, threadID string, st *agent.State, emit agent.EmitFunc, resumed bool) (*agent.State, error) {
	rc := g.opts.Runtime()
	harvest := map[string]any{}
	usage := agent.TokenUsage{}
	gateApproved := resumed

	for depth := 0; depth < g.opts.MaxDepth; depth++ {
		if pending := st.PendingToolCalls(); len(pending) > 0 {
			if gated := g.gatedCalls(pending); len(gated) > 0 && !gateApproved {
				g.block(threadID, st, gated)
				return st, nil
			}
			if gateApproved && declined(st.HumanInput) {
				g.declineTools(ctx, st, emit)
			} else {
				g.runTools(ctx, st, emit, harvest)
			}
			gateApproved = false
			st.HumanInput = nil
			g.checkpoint(threadID, st)
			continue
		}

		final, err := g.reason(ctx, rc, st, emit, harvest, &usage)
		if err != nil {
			return nil, err
		}
		g.checkpoint(threadID, st)
		if final {
			return st, nil
		}
	}

	// Depth exhausted: close the exchange with a truncation notice.
	msg := g.assistantFinal(truncationText(rc.Language), harvest, usage, "length")
	st.Append(msg)
	g.checkpoint(threadID, st)
	if err := emitMsg(ctx, emit, msg); err != nil {
		return nil, err
	}
	return st, nil
}

// gatedCalls returns the pending calls that require human approval.
func (g *Graph) gatedCalls(pending []agent.ToolCall) []agent.ToolCall {
	var gated []agent.ToolCall
	for _, call := range pending {
		if g.approval[call.Name] {
			gated = append(gated, call)
		}
	}
	return gated
}

// block checkpoints the thread with an active interrupt.
func (g *Graph) block(threadID string, st *agent.State, gated []agent.ToolCall) {
	st.Blocked = true
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threads[threadID] = &thread{
		state: st,
		interrupts: []agent.Interrupt{{
			ID:        uuid.NewString(),
			Reason:    "tool_approval",
			ToolCalls: gated,
		}},
	}
}

func (g *Graph) checkpoint(threadID string, st *agent.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threads[threadID] = &thread{state: st}
}

// declineTools answers every pending call with a declined result so the
// model can acknowledge the refusal.
func (g *Graph) declineTools(ctx context.Context, st *agent.State, emit agent.EmitFunc) {
	for _, call := range st.PendingToolCalls() {
		msg := toolMessage(call, "The user declined this tool call.", true)
		st.Append(msg)
		if err := emitMsg(ctx, emit, msg); err != nil {
			g.opts.Logger.Warn(ctx, "emit declined tool result", "tool", call.Name, "err", err.Error())
			emit = nil
		}
	}
}

// declined reports whether the human input explicitly rejected the gated
// calls. Absent or non-boolean input counts as approval.
func declined(humanInput map[string]any) bool {
	v, ok := humanInput["approved"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

func (g *Graph) assistantFinal(text string, harvest map[string]any, usage agent.TokenUsage, finishReason string) *agent.ChatMessage {
	md := agent.Metadata{
		Model:        g.opts.ModelName,
		AgentName:    g.opts.AgentName,
		FinishReason: finishReason,
	}
	if len(harvest) > 0 {
		md.Tools = harvest
	}
	if usage.Total > 0 {
		u := usage
		md.TokenUsage = &u
	}
	return &agent.ChatMessage{
		Role:      agent.RoleAssistant,
		Channel:   agent.ChannelFinal,
		Parts:     agent.NewText(text),
		Timestamp: time.Now().UTC(),
		Metadata:  md,
	}
}

func emitMsg(ctx context.Context, emit agent.EmitFunc, msg *agent.ChatMessage) error {
	if emit == nil {
		return nil
	}
	return emit(ctx, msg)
}
