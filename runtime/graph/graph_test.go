package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/mcp"
	"github.com/loomhq/loom/runtime/model"
)

// scriptedModel replays canned responses in order. A nil entry's err is
// returned instead.
type scriptedModel struct {
	mu      sync.Mutex
	script  []scriptStep
	calls   int
	lastReq model.Request
}

type scriptStep struct {
	resp model.Response
	err  error
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	if m.calls >= len(m.script) {
		return model.Response{Content: "out of script"}, nil
	}
	step := m.script[m.calls]
	m.calls++
	return step.resp, step.err
}

// fakeTools implements ToolRunner with a per-tool handler.
type fakeTools struct {
	mu        sync.Mutex
	kit       *mcp.Toolkit
	handler   func(name string, args map[string]any) (mcp.CallResult, error)
	refreshes int
}

func newFakeTools(handler func(string, map[string]any) (mcp.CallResult, error), toolNames ...string) *fakeTools {
	tools := make([]mcp.Tool, 0, len(toolNames))
	for _, n := range toolNames {
		tools = append(tools, mcp.Tool{Name: n, Description: n})
	}
	return &fakeTools{kit: mcp.NewToolkit(tools), handler: handler}
}

func (f *fakeTools) Tools() *mcp.Toolkit { return f.kit }

func (f *fakeTools) Call(_ context.Context, name string, args map[string]any) (mcp.CallResult, error) {
	return f.handler(name, args)
}

func (f *fakeTools) RefreshAndBind(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeTools) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type collector struct {
	mu   sync.Mutex
	msgs []*agent.ChatMessage
}

func (c *collector) emit(_ context.Context, msg *agent.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) byChannel(ch agent.Channel) []*agent.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*agent.ChatMessage
	for _, m := range c.msgs {
		if m.Channel == ch {
			out = append(out, m)
		}
	}
	return out
}

func userState(text string) *agent.State {
	return &agent.State{Messages: []*agent.ChatMessage{{
		Role:    agent.RoleUser,
		Channel: agent.ChannelFinal,
		Parts:   agent.NewText(text),
	}}}
}

func TestDirectAnswer(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{resp: model.Response{Content: "hello back", StopReason: "stop",
			Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}},
	}}
	g := New(Options{Model: m, ModelName: "gpt-test", AgentName: "echo", Prompt: "You are {agent_name}."})
	sink := &collector{}

	st, err := g.Invoke(context.Background(), "t1", userState("hello"), sink.emit)
	require.NoError(t, err)
	require.False(t, st.Blocked)

	last := st.LastAssistant()
	require.NotNil(t, last)
	assert.Equal(t, "hello back", last.Text())
	assert.Equal(t, agent.ChannelFinal, last.Channel)
	assert.Equal(t, "echo", last.Metadata.AgentName)
	require.NotNil(t, last.Metadata.TokenUsage)
	assert.Equal(t, 15, last.Metadata.TokenUsage.Total)

	// The system prompt was rendered before the model saw it.
	assert.Equal(t, model.RoleSystem, m.lastReq.Messages[0].Role)
	assert.Contains(t, m.lastReq.Messages[0].Content, "You are echo.")
	require.Len(t, sink.byChannel(agent.ChannelFinal), 1)
}

func TestToolRoundTrip(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{resp: model.Response{ToolCalls: []model.ToolCall{
			{ID: "call-1", Name: "search", Args: map[string]any{"q": "go"}},
		}}},
		{resp: model.Response{Content: "found it", StopReason: "stop"}},
	}}
	tools := newFakeTools(func(name string, _ map[string]any) (mcp.CallResult, error) {
		return mcp.CallResult{Text: `{"hits": 3}`}, nil
	}, "search")
	g := New(Options{Model: m, ModelName: "gpt-test", AgentName: "docs", Tools: tools})
	sink := &collector{}

	st, err := g.Invoke(context.Background(), "t1", userState("find go docs"), sink.emit)
	require.NoError(t, err)

	results := sink.byChannel(agent.ChannelToolResult)
	require.Len(t, results, 1)
	block, ok := results[0].ToolResult()
	require.True(t, ok)
	assert.Equal(t, "call-1", block.CallID)
	assert.False(t, block.IsError)

	final := st.LastAssistant()
	assert.Equal(t, "found it", final.Text())
	// Tool payload harvested into metadata, JSON-decoded.
	require.Contains(t, final.Metadata.Tools, "search")
	payload, ok := final.Metadata.Tools["search"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, payload["hits"])
}

func TestExpiredTokenRecovery(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{resp: model.Response{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "search", Args: map[string]any{"q": "a"}},
			{ID: "c2", Name: "search", Args: map[string]any{"q": "b"}},
		}}},
		{resp: model.Response{Content: "answered without tools", StopReason: "stop"}},
	}}
	authErr := &mcpAuthError{}
	tools := newFakeTools(func(string, map[string]any) (mcp.CallResult, error) {
		return mcp.CallResult{}, authErr
	}, "search")
	g := New(Options{Model: m, AgentName: "docs", Tools: tools})
	sink := &collector{}

	st, err := g.Invoke(context.Background(), "t1", userState("q"), sink.emit)
	require.NoError(t, err)

	// One refresh, then exactly one synthetic result per pending call id.
	assert.Equal(t, 1, tools.refreshCount())
	results := sink.byChannel(agent.ChannelToolResult)
	require.Len(t, results, 2)
	ids := map[string]bool{}
	for _, r := range results {
		block, ok := r.ToolResult()
		require.True(t, ok)
		assert.True(t, block.IsError)
		assert.Contains(t, block.Content, "[tool_unavailable]")
		ids[block.CallID] = true
	}
	assert.Equal(t, map[string]bool{"c1": true, "c2": true}, ids)

	assert.Equal(t, "answered without tools", st.LastAssistant().Text())
}

type mcpAuthError struct{}

func (*mcpAuthError) Error() string { return "request failed: 401 Unauthorized" }

func TestToolTimeoutFallsBack(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{resp: model.Response{ToolCalls: []model.ToolCall{{ID: "c1", Name: "slow"}}}},
		{resp: model.Response{Content: "done anyway", StopReason: "stop"}},
	}}
	tools := newFakeTools(func(string, map[string]any) (mcp.CallResult, error) {
		time.Sleep(50 * time.Millisecond)
		return mcp.CallResult{}, context.DeadlineExceeded
	}, "slow")
	g := New(Options{Model: m, AgentName: "docs", Tools: tools, ToolTimeout: 10 * time.Millisecond})
	sink := &collector{}

	st, err := g.Invoke(context.Background(), "t1", userState("q"), sink.emit)
	require.NoError(t, err)
	assert.Equal(t, 1, tools.refreshCount())
	assert.Equal(t, "done anyway", st.LastAssistant().Text())
}

func TestGuardrailRefusalLocalized(t *testing.T) {
	filterErr := &model.ProviderError{Provider: "openai", HTTPStatus: 422, Kind: model.KindContentFilter}

	for _, tc := range []struct {
		language string
		want     string
	}{
		{"", refusalEN},
		{"en-US", refusalEN},
		{"fr", refusalFR},
		{"fr-CA", refusalFR},
	} {
		m := &scriptedModel{script: []scriptStep{{err: filterErr}}}
		rc := &agent.RuntimeContext{Language: tc.language}
		g := New(Options{Model: m, AgentName: "echo",
			Runtime: func() *agent.RuntimeContext { return rc }})

		st, err := g.Invoke(context.Background(), "t1", userState("bad"), nil)
		require.NoError(t, err)
		last := st.LastAssistant()
		assert.Equal(t, tc.want, last.Text(), "language %q", tc.language)
		assert.Equal(t, "content_filter", last.Metadata.FinishReason)
	}
}

func TestModelFailureFallback(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{err: &model.ProviderError{Provider: "openai", HTTPStatus: 500, Kind: model.KindUnavailable}},
	}}
	g := New(Options{Model: m, AgentName: "echo"})

	st, err := g.Invoke(context.Background(), "t1", userState("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, modelTroubleEN, st.LastAssistant().Text())
	assert.Equal(t, "error", st.LastAssistant().Metadata.FinishReason)
}

func TestDepthLimitTruncates(t *testing.T) {
	// A model that always asks for another tool call.
	var script []scriptStep
	for i := 0; i < 20; i++ {
		script = append(script, scriptStep{resp: model.Response{
			ToolCalls: []model.ToolCall{{ID: "c", Name: "loop"}},
		}})
	}
	m := &scriptedModel{script: script}
	tools := newFakeTools(func(string, map[string]any) (mcp.CallResult, error) {
		return mcp.CallResult{Text: "again"}, nil
	}, "loop")
	g := New(Options{Model: m, AgentName: "echo", Tools: tools, MaxDepth: 6})

	st, err := g.Invoke(context.Background(), "t1", userState("go"), nil)
	require.NoError(t, err)
	assert.Equal(t, truncationEN, st.LastAssistant().Text())
	assert.Equal(t, "length", st.LastAssistant().Metadata.FinishReason)
	assert.LessOrEqual(t, m.calls, 6)
}

func TestApprovalGateBlocksAndResumes(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{resp: model.Response{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "delete_page", Args: map[string]any{"id": "42"}},
		}}},
		{resp: model.Response{Content: "page deleted", StopReason: "stop"}},
	}}
	var executed int
	tools := newFakeTools(func(string, map[string]any) (mcp.CallResult, error) {
		executed++
		return mcp.CallResult{Text: "ok"}, nil
	}, "delete_page")
	g := New(Options{Model: m, AgentName: "admin", Tools: tools, ApprovalTools: []string{"delete_page"}})

	st, err := g.Invoke(context.Background(), "t1", userState("delete page 42"), nil)
	require.NoError(t, err)
	require.True(t, st.Blocked)
	assert.Equal(t, 0, executed, "gated tool must not run before approval")

	snap, ok := g.Snapshot("t1")
	require.True(t, ok)
	require.Len(t, snap.Interrupts, 1)
	assert.Equal(t, "tool_approval", snap.Interrupts[0].Reason)
	require.Len(t, snap.Interrupts[0].ToolCalls, 1)
	assert.Equal(t, "delete_page", snap.Interrupts[0].ToolCalls[0].Name)

	st, err = g.Resume(context.Background(), "t1", map[string]any{"approved": true}, nil)
	require.NoError(t, err)
	assert.False(t, st.Blocked)
	assert.Equal(t, 1, executed)
	assert.Equal(t, "page deleted", st.LastAssistant().Text())

	// The interrupt cleared with the resume.
	snap, ok = g.Snapshot("t1")
	require.True(t, ok)
	assert.Empty(t, snap.Interrupts)
}

func TestApprovalDeclined(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{resp: model.Response{ToolCalls: []model.ToolCall{{ID: "c1", Name: "delete_page"}}}},
		{resp: model.Response{Content: "understood, not deleting", StopReason: "stop"}},
	}}
	var executed int
	tools := newFakeTools(func(string, map[string]any) (mcp.CallResult, error) {
		executed++
		return mcp.CallResult{Text: "ok"}, nil
	}, "delete_page")
	g := New(Options{Model: m, AgentName: "admin", Tools: tools, ApprovalTools: []string{"delete_page"}})

	st, err := g.Invoke(context.Background(), "t1", userState("delete it"), nil)
	require.NoError(t, err)
	require.True(t, st.Blocked)

	st, err = g.Resume(context.Background(), "t1", map[string]any{"approved": false}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, executed)
	assert.Equal(t, "understood, not deleting", st.LastAssistant().Text())
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	g := New(Options{Model: &scriptedModel{}})
	_, err := g.Resume(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, agent.ErrNoCheckpoint)
}

func TestEmitFailureStillAnswersEveryCall(t *testing.T) {
	m := &scriptedModel{script: []scriptStep{
		{resp: model.Response{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "search", Args: map[string]any{"q": "a"}},
			{ID: "c2", Name: "search", Args: map[string]any{"q": "b"}},
		}}},
		{resp: model.Response{Content: "all done", StopReason: "stop"}},
	}}
	tools := newFakeTools(func(string, map[string]any) (mcp.CallResult, error) {
		return mcp.CallResult{Text: "ok"}, nil
	}, "search")
	g := New(Options{Model: m, AgentName: "docs", Tools: tools})

	// A stream dying mid-batch must not stop tool execution: the loop keeps
	// appending results to the state and only drops the emits.
	emit := func(_ context.Context, msg *agent.ChatMessage) error {
		if msg.Channel == agent.ChannelToolResult {
			return errors.New("websocket closed")
		}
		return nil
	}
	st, err := g.Invoke(context.Background(), "t1", userState("q"), emit)
	require.NoError(t, err)

	ids := map[string]int{}
	for _, msg := range st.Messages {
		if block, ok := msg.ToolResult(); ok {
			ids[block.CallID]++
		}
	}
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1}, ids)
	assert.Equal(t, "all done", st.LastAssistant().Text())
}
