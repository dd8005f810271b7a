package graph

import (
	"context"
	"time"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/mcp"
)

// unavailableNote is the synthetic tool result injected when a tool cannot
// be reached. The model reads it and answers from what it already knows.
const unavailableNote = "[tool_unavailable] The tool could not be reached. " +
	"Answer from the information you already have and tell the user the tool was unavailable."

// runTools executes the pending tool calls of the trailing assistant
// message. Every pending call id receives exactly one tool result in every
// path; the node never fails the graph. A transport fault (timeout, closed
// stream, expired token) triggers one client refresh, then the remaining
// calls are answered with a synthetic unavailable result.
func (g *Graph) runTools(ctx context.Context, st *agent.State, emit agent.EmitFunc, harvest map[string]any) {
	pending := st.PendingToolCalls()
	if len(pending) == 0 {
		// Nothing to execute: close the exchange rather than spin.
		rc := g.opts.Runtime()
		msg := g.assistantFinal(modelTroubleText(rc.Language), harvest, agent.TokenUsage{}, "error")
		st.Append(msg)
		_ = emitMsg(ctx, emit, msg)
		return
	}

	answered := make(map[string]bool, len(pending))
	faulted := false
	for _, call := range pending {
		if faulted {
			break
		}
		res, err := g.callOne(ctx, call)
		if err != nil {
			faulted = true
			if mcp.IsTransportFault(err) {
				g.refreshClients(ctx, err)
			} else {
				g.opts.Logger.Warn(ctx, "tool call failed", "tool", call.Name, "err", err.Error())
			}
			continue
		}
		answered[call.ID] = true
		if !res.IsError {
			harvestPayload(harvest, call.Name, res.Text)
		}
		msg := toolMessage(call, res.Text, res.IsError)
		st.Append(msg)
		// A failed emit silences the stream, never the results: every
		// pending call still gets its answer appended to the state.
		if emitErr := emitMsg(ctx, emit, msg); emitErr != nil {
			g.opts.Logger.Warn(ctx, "emit tool result", "tool", call.Name, "err", emitErr.Error())
			emit = nil
		}
	}

	for _, call := range pending {
		if answered[call.ID] {
			continue
		}
		g.opts.Metrics.IncCounter("loom.tools.unavailable", 1, "tool", call.Name)
		msg := toolMessage(call, unavailableNote, true)
		st.Append(msg)
		if err := emitMsg(ctx, emit, msg); err != nil {
			g.opts.Logger.Warn(ctx, "emit tool result", "tool", call.Name, "err", err.Error())
			emit = nil
		}
	}
}

// callOne dispatches a single call under the per-call timeout.
func (g *Graph) callOne(ctx context.Context, call agent.ToolCall) (mcp.CallResult, error) {
	if g.opts.Tools == nil {
		return mcp.CallResult{}, mcp.ErrToolNotBound
	}
	cctx, cancel := context.WithTimeout(ctx, g.opts.ToolTimeout)
	defer cancel()
	return g.opts.Tools.Call(cctx, call.Name, call.Args)
}

// refreshClients rebuilds the MCP binding with fresh credentials. Failures
// are logged; the pending calls fall back to unavailable results either way.
func (g *Graph) refreshClients(ctx context.Context, cause error) {
	g.opts.Logger.Warn(ctx, "tool transport fault, refreshing clients",
		"agent", g.opts.AgentName, "err", cause.Error())
	if g.opts.Tools == nil {
		return
	}
	if err := g.opts.Tools.RefreshAndBind(ctx); err != nil {
		g.opts.Logger.Warn(ctx, "tool client refresh failed", "agent", g.opts.AgentName, "err", err.Error())
	}
}

// toolMessage builds the tool-result message correlated to its call.
func toolMessage(call agent.ToolCall, text string, isErr bool) *agent.ChatMessage {
	return &agent.ChatMessage{
		Role:    agent.RoleTool,
		Channel: agent.ChannelToolResult,
		Parts: []agent.Part{agent.ToolResultBlock{
			CallID:  call.ID,
			Name:    call.Name,
			Content: text,
			IsError: isErr,
		}},
		Timestamp: time.Now().UTC(),
	}
}
