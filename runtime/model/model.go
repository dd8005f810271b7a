// Package model defines the provider-agnostic contract the reasoner uses to
// invoke chat models. Adapters under features/model translate these normalized
// types into the OpenAI and Anthropic SDK formats; the runtime never imports a
// provider SDK directly.
package model

import "context"

type (
	// Client is the contract the reasoner invokes models through. Implementations
	// wrap provider SDKs and must be safe for concurrent use across sessions.
	Client interface {
		// Complete sends one chat completion request and returns the normalized
		// response. Provider failures are returned as *ProviderError so callers
		// can classify them without importing SDK types.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters of one model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered conversation, system prompt first.
		Messages []Message
		// Tools lists the tool schemas exposed for function calling. Empty
		// means the model must answer directly.
		Tools []ToolDefinition
		// Temperature controls sampling; zero means the provider default.
		Temperature float64
		// MaxTokens caps completion length; zero means the provider default.
		MaxTokens int
	}

	// Response wraps the generated content and any requested tool calls.
	Response struct {
		// Content is the assistant text. Empty when the model only requested
		// tool calls.
		Content string
		// ToolCalls lists tool invocations the model requested this turn.
		ToolCalls []ToolCall
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
		// StopReason is the provider stop reason ("stop", "tool_calls",
		// "max_tokens", "content_filter", ...). Provider-specific, may be empty.
		StopReason string
	}

	// Message is one normalized chat message.
	Message struct {
		// Role is "system", "user", "assistant" or "tool".
		Role string
		// Content is the message text.
		Content string
		// ToolCallID correlates a tool-role message with the assistant tool
		// call it answers.
		ToolCallID string
		// ToolCalls carries the calls of an assistant message that requested
		// tools, so the follow-up turn can replay them to the provider.
		ToolCalls []ToolCall
	}

	// ToolDefinition is a tool schema passed to the provider for function
	// calling.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object (map[string]any).
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier used to correlate the
		// tool result.
		ID string
		// Name matches a ToolDefinition.Name from the request.
		Name string
		// Args are the decoded JSON arguments.
		Args map[string]any
	}

	// TokenUsage records token counts when the provider reports them.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

// Message role values.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
