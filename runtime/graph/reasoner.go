package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/model"
)

// reason performs one model tick: render the system prompt, replay the
// conversation, invoke the model with the bound tools, and append either the
// final answer or an assistant message carrying the requested tool calls.
// It reports whether the exchange is final. Model failures never propagate:
// they become a localized fallback or refusal final message.
func (g *Graph) reason(ctx context.Context, rc *agent.RuntimeContext, st *agent.State, emit agent.EmitFunc, harvest map[string]any, usage *agent.TokenUsage) (bool, error) {
	req := model.Request{
		Model:       g.opts.ModelName,
		Messages:    g.buildMessages(rc, st),
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	}
	if g.opts.Tools != nil {
		req.Tools = g.opts.Tools.Tools().Definitions()
	}

	start := time.Now()
	resp, err := g.opts.Model.Complete(ctx, req)
	latency := time.Since(start)
	g.opts.Metrics.RecordTimer("loom.model.latency", latency, "model", g.opts.ModelName)

	if err != nil {
		text := modelTroubleText(rc.Language)
		reason := "error"
		if model.IsContentFilter(err) {
			text = refusalText(rc.Language)
			reason = "content_filter"
			g.opts.Metrics.IncCounter("loom.model.content_filter", 1, "agent", g.opts.AgentName)
		}
		g.opts.Logger.Warn(ctx, "model invocation failed", "agent", g.opts.AgentName, "err", err.Error())
		msg := g.assistantFinal(text, harvest, *usage, reason)
		msg.Metadata.LatencyMS = latency.Milliseconds()
		st.Append(msg)
		return true, emitMsg(ctx, emit, msg)
	}

	usage.Input += resp.Usage.InputTokens
	usage.Output += resp.Usage.OutputTokens
	usage.Total += resp.Usage.TotalTokens

	if len(resp.ToolCalls) == 0 {
		msg := g.assistantFinal(resp.Content, harvest, *usage, finishReason(resp.StopReason))
		msg.Metadata.LatencyMS = latency.Milliseconds()
		st.Append(msg)
		return true, emitMsg(ctx, emit, msg)
	}

	// The model requested tools: record the calls, surfacing any interim
	// text on the thought channel.
	calls := make([]agent.ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		calls = append(calls, agent.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	msg := &agent.ChatMessage{
		Role:      agent.RoleAssistant,
		Channel:   g.opts.CallChannel,
		ToolCalls: calls,
		Timestamp: time.Now().UTC(),
		Metadata:  agent.Metadata{Model: g.opts.ModelName, AgentName: g.opts.AgentName},
	}
	if resp.Content != "" {
		msg.Parts = agent.NewText(resp.Content)
	}
	st.Append(msg)
	return false, emitMsg(ctx, emit, msg)
}

// buildMessages renders the system prompt and replays the conversation in
// the normalized model format.
func (g *Graph) buildMessages(rc *agent.RuntimeContext, st *agent.State) []model.Message {
	system := agent.RenderTokens(g.opts.Prompt, agent.TokenVars(rc, g.opts.AgentName))
	if st.ChatContext != "" {
		system += "\n\n" + st.ChatContext
	}
	msgs := make([]model.Message, 0, len(st.Messages)+1)
	if system != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: system})
	}
	for _, m := range st.Messages {
		switch m.Role {
		case agent.RoleUser:
			msgs = append(msgs, model.Message{Role: model.RoleUser, Content: m.Text()})
		case agent.RoleAssistant:
			mm := model.Message{Role: model.RoleAssistant, Content: m.Text()}
			for _, tc := range m.ToolCalls {
				mm.ToolCalls = append(mm.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
			}
			msgs = append(msgs, mm)
		case agent.RoleTool:
			block, ok := m.ToolResult()
			if !ok {
				continue
			}
			msgs = append(msgs, model.Message{
				Role:       model.RoleTool,
				Content:    blockText(block),
				ToolCallID: block.CallID,
			})
		}
	}
	return msgs
}

// blockText renders a tool result content for the model: strings verbatim,
// everything else as JSON.
func blockText(block agent.ToolResultBlock) string {
	if s, ok := block.Content.(string); ok {
		return s
	}
	raw, err := json.Marshal(block.Content)
	if err != nil {
		return ""
	}
	return string(raw)
}

// harvestPayload records a tool payload under its tool name, JSON-decoded
// when the payload parses.
func harvestPayload(harvest map[string]any, toolName, text string) {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		harvest[toolName] = decoded
		return
	}
	harvest[toolName] = text
}

func finishReason(stop string) string {
	if stop == "" {
		return "stop"
	}
	return stop
}
