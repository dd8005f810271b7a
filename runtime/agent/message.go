package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleSystem marks system instructions.
	RoleSystem Role = "system"
	// RoleTool marks tool results fed back to the model.
	RoleTool Role = "tool"
)

// Channel classifies a message for UI consumption. Final messages are the
// assistant's answer; the remaining channels carry intermediate signals
// emitted while the graph runs.
type Channel string

const (
	// ChannelFinal is the assistant's final answer for the exchange.
	ChannelFinal Channel = "final"
	// ChannelThought carries intermediate reasoning output.
	ChannelThought Channel = "thought"
	// ChannelToolResult carries tool execution results.
	ChannelToolResult Channel = "tool_result"
	// ChannelPlan carries planning output (leader dispatch decisions).
	ChannelPlan Channel = "plan"
	// ChannelObservation carries observations surfaced to the user.
	ChannelObservation Channel = "observation"
	// ChannelError carries user-visible error notices.
	ChannelError Channel = "error"
	// ChannelInjectedContext carries context blocks injected by the platform.
	ChannelInjectedContext Channel = "injected_context"
)

type (
	// ChatMessage is the unit of conversation persisted per session.
	// (SessionID, Rank) is the primary key; Rank is assigned by the
	// orchestrator and is strictly monotonic within a session.
	ChatMessage struct {
		SessionID  string    `json:"session_id"`
		ExchangeID string    `json:"exchange_id"`
		Rank       int       `json:"rank"`
		Role       Role      `json:"role"`
		Channel    Channel   `json:"channel"`
		Parts      []Part    `json:"parts"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		Timestamp  time.Time `json:"timestamp"`
		Metadata   Metadata  `json:"metadata"`
	}

	// ToolCall is a pending tool invocation requested by the model.
	ToolCall struct {
		ID   string         `json:"id"`
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	}

	// Metadata carries typed response metadata. Unknown provider keys go
	// into Extras rather than loose JSON.
	Metadata struct {
		Model        string         `json:"model,omitempty"`
		TokenUsage   *TokenUsage    `json:"token_usage,omitempty"`
		Sources      []Source       `json:"sources,omitempty"`
		Tools        map[string]any `json:"tools,omitempty"`
		AgentName    string         `json:"agent_name,omitempty"`
		FinishReason string         `json:"finish_reason,omitempty"`
		LatencyMS    int64          `json:"latency_ms,omitempty"`
		Extras       map[string]any `json:"extras,omitempty"`
	}

	// TokenUsage reports model token consumption when the provider exposes it.
	TokenUsage struct {
		Input  int `json:"input"`
		Output int `json:"output"`
		Total  int `json:"total"`
	}

	// Source references a document that grounded the answer.
	Source struct {
		Title string `json:"title,omitempty"`
		URL   string `json:"url,omitempty"`
	}
)

// Part is one element of a message body. Implementations are TextPart,
// CodeBlock, ImagePart, ToolResultBlock and LinkPart; JSON encoding uses a
// "kind" discriminator.
type Part interface {
	partKind() string
}

type (
	// TextPart is plain text.
	TextPart struct {
		Text string `json:"text"`
	}

	// CodeBlock is fenced code with an optional language tag.
	CodeBlock struct {
		Language string `json:"language,omitempty"`
		Code     string `json:"code"`
	}

	// ImagePart references an image by URL or attachment name.
	ImagePart struct {
		URL string `json:"url"`
		Alt string `json:"alt,omitempty"`
	}

	// ToolResultBlock carries a tool result correlated to its originating
	// call. Content is the JSON-encodable tool output.
	ToolResultBlock struct {
		CallID  string `json:"call_id"`
		Name    string `json:"name"`
		Content any    `json:"content"`
		IsError bool   `json:"is_error,omitempty"`
	}

	// LinkPart is a hyperlink with display text.
	LinkPart struct {
		Title string `json:"title,omitempty"`
		URL   string `json:"url"`
	}
)

func (TextPart) partKind() string        { return "text" }
func (CodeBlock) partKind() string       { return "code" }
func (ImagePart) partKind() string       { return "image" }
func (ToolResultBlock) partKind() string { return "tool_result" }
func (LinkPart) partKind() string        { return "link" }

// NewText builds an assistant/user message body from a single text part.
func NewText(text string) []Part { return []Part{TextPart{Text: text}} }

// Text concatenates the text content of the message parts. Code blocks are
// included verbatim; non-text parts are skipped.
func (m *ChatMessage) Text() string {
	var out string
	for _, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			out += v.Text
		case CodeBlock:
			out += v.Code
		}
	}
	return out
}

// ToolResult returns the first tool-result block, if any.
func (m *ChatMessage) ToolResult() (ToolResultBlock, bool) {
	for _, p := range m.Parts {
		if b, ok := p.(ToolResultBlock); ok {
			return b, true
		}
	}
	return ToolResultBlock{}, false
}

type partEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// MarshalJSON encodes the message with a kind-discriminated part array.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type alias ChatMessage
	parts := make([]partEnvelope, len(m.Parts))
	for i, p := range m.Parts {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode part %d: %w", i, err)
		}
		parts[i] = partEnvelope{Kind: p.partKind(), Body: body}
	}
	return json.Marshal(struct {
		alias
		Parts []partEnvelope `json:"parts"`
	}{alias: alias(m), Parts: parts})
}

// UnmarshalJSON decodes a kind-discriminated part array.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias ChatMessage
	var aux struct {
		alias
		Parts []partEnvelope `json:"parts"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = ChatMessage(aux.alias)
	m.Parts = make([]Part, 0, len(aux.Parts))
	for _, env := range aux.Parts {
		p, err := decodePart(env)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

func decodePart(env partEnvelope) (Part, error) {
	switch env.Kind {
	case "text":
		var p TextPart
		err := json.Unmarshal(env.Body, &p)
		return p, err
	case "code":
		var p CodeBlock
		err := json.Unmarshal(env.Body, &p)
		return p, err
	case "image":
		var p ImagePart
		err := json.Unmarshal(env.Body, &p)
		return p, err
	case "tool_result":
		var p ToolResultBlock
		err := json.Unmarshal(env.Body, &p)
		return p, err
	case "link":
		var p LinkPart
		err := json.Unmarshal(env.Body, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown message part kind %q", env.Kind)
	}
}
