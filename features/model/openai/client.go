// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates normalized requests into
// ChatCompletionNew calls using github.com/openai/openai-go and maps responses
// and SDK failures back into the generic model structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/loomhq/loom/runtime/model"
)

type (
	// ChatService captures the subset of the OpenAI SDK used by the adapter.
	// It is satisfied by sdk.ChatCompletionService so callers can pass either
	// a real client or a mock in tests.
	ChatService interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Chat is the completion service, usually &client.Chat.Completions.
		Chat ChatService
		// DefaultModel is used when Request.Model is empty.
		DefaultModel string
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat  ChatService
		model string
	}
)

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai chat service is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Chat, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP client. An
// empty baseURL keeps the SDK default endpoint; set it for gateways and
// compatible providers.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	api := sdk.NewClient(reqOpts...)
	return New(Options{Chat: &api.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders one chat completion using the configured service.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: encodeMessages(req.Messages),
		Tools:    encodeTools(req.Tools),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}

	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(err)
	}
	return translateResponse(completion)
}

func encodeMessages(msgs []model.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = sdk.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Args)
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func encodeTools(defs []model.ToolDefinition) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: sdk.String(def.Description),
				Parameters:  shared.FunctionParameters(def.InputSchema),
			},
		})
	}
	return tools
}

func translateResponse(completion *sdk.ChatCompletion) (model.Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return model.Response{}, &model.ProviderError{
			Provider: "openai",
			Kind:     model.KindUnknown,
			Message:  "completion returned no choices",
		}
	}
	choice := completion.Choices[0]
	res := model.Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if raw := call.Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return model.Response{}, fmt.Errorf("openai: decode tool call %s args: %w", call.ID, err)
			}
		}
		res.ToolCalls = append(res.ToolCalls, model.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		})
	}
	return res, nil
}

// classify normalizes SDK failures into *model.ProviderError so callers never
// inspect SDK error types.
func classify(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return &model.ProviderError{Provider: "openai", Kind: model.KindUnknown, Cause: err}
	}
	kind := model.KindFromStatus(apiErr.StatusCode)
	if strings.EqualFold(apiErr.Code, "content_filter") {
		kind = model.KindContentFilter
	}
	return &model.ProviderError{
		Provider:   "openai",
		HTTPStatus: apiErr.StatusCode,
		Kind:       kind,
		Code:       apiErr.Code,
		Message:    apiErr.Message,
		Cause:      err,
	}
}
