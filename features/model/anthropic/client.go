// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates normalized requests into
// Messages.New calls using github.com/anthropics/anthropic-sdk-go and maps
// responses (text, tool use, usage) back into the generic model structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomhq/loom/runtime/model"
)

// defaultMaxTokens caps completions when the request does not specify one.
// The Messages API requires an explicit max_tokens on every call.
const defaultMaxTokens = 4096

type (
	// MessagesService captures the subset of the Anthropic SDK used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesService interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Messages is the message service, usually &client.Messages.
		Messages MessagesService
		// DefaultModel is used when Request.Model is empty.
		DefaultModel string
		// MaxTokens overrides the default completion cap applied when a
		// request does not specify MaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesService
		model  string
		maxTok int
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic messages service is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: opts.Messages, model: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP client. An
// empty baseURL keeps the SDK default endpoint.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	api := sdk.NewClient(reqOpts...)
	return New(Options{Messages: &api.Messages, DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into the normalized structures.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(err)
	}
	return translateResponse(msg)
}

// encodeMessages splits the flat conversation into the Messages API shape:
// system prompts become top-level system blocks, tool-role messages become
// tool_result blocks inside a user message, and assistant tool calls are
// replayed as tool_use blocks.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool message missing tool call id")
			}
			conversation = append(conversation,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, call.Args, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var res model.Response
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return model.Response{}, fmt.Errorf("anthropic: decode tool call %s input: %w", block.ID, err)
				}
			}
			res.ToolCalls = append(res.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	res.Content = text.String()
	res.StopReason = string(msg.StopReason)
	res.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return res, nil
}

// classify normalizes SDK failures into *model.ProviderError so callers never
// inspect SDK error types.
func classify(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return &model.ProviderError{Provider: "anthropic", Kind: model.KindUnknown, Cause: err}
	}
	// Error() on sdk.Error dumps the full request/response pair and panics
	// when either is absent; build the message from the raw body instead.
	msg := fmt.Sprintf("anthropic: status %d", apiErr.StatusCode)
	if raw := apiErr.RawJSON(); raw != "" {
		msg = "anthropic: " + raw
	}
	return &model.ProviderError{
		Provider:   "anthropic",
		HTTPStatus: apiErr.StatusCode,
		Kind:       model.KindFromStatus(apiErr.StatusCode),
		Message:    msg,
		Cause:      err,
	}
}
