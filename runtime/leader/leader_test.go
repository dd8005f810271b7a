package leader

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/model"
)

// scriptedModel replays canned responses in order.
type scriptedModel struct {
	mu     sync.Mutex
	script []model.Response
	calls  int
}

func (m *scriptedModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.script) {
		return model.Response{Content: "out of script"}, nil
	}
	resp := m.script[m.calls]
	m.calls++
	return resp, nil
}

// staticMember is a crew member whose graph always answers with a fixed
// text.
type staticMember struct {
	name    string
	answer  string
	invoked []string // user texts it was dispatched
	closed  int
}

func (m *staticMember) Name() string                            { return m.name }
func (m *staticMember) ApplySettings(*agent.Settings) error     { return nil }
func (m *staticMember) SetRuntimeContext(*agent.RuntimeContext) {}
func (m *staticMember) Init(context.Context) error              { return nil }
func (m *staticMember) Close(context.Context) error             { m.closed++; return nil }

func (m *staticMember) Graph() agent.CompiledGraph { return &staticGraph{member: m} }

type staticGraph struct{ member *staticMember }

func (g *staticGraph) Invoke(_ context.Context, _ string, st *agent.State, _ agent.EmitFunc) (*agent.State, error) {
	g.member.invoked = append(g.member.invoked, st.Messages[len(st.Messages)-1].Text())
	st.Append(&agent.ChatMessage{
		Role:    agent.RoleAssistant,
		Channel: agent.ChannelFinal,
		Parts:   agent.NewText(g.member.answer),
	})
	return st, nil
}

func (g *staticGraph) Resume(context.Context, string, map[string]any, agent.EmitFunc) (*agent.State, error) {
	return nil, nil
}

func (g *staticGraph) Snapshot(string) (*agent.Snapshot, bool) { return nil, false }

func leaderSettings() *agent.Settings {
	return &agent.Settings{
		Name:    "triage",
		Enabled: true,
		Kind:    agent.KindLeader,
		Crew:    []string{"billing", "support"},
		Tuning: agent.Tuning{Values: map[string]any{
			agent.SystemPromptKey: "Route the user to the right specialist.",
		}},
	}
}

func TestDispatchAndSummarize(t *testing.T) {
	m := &scriptedModel{script: []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "billing"}}},
		{Content: "Billing says: your invoice is paid.", StopReason: "stop"},
	}}
	billing := &staticMember{name: "billing", answer: "invoice 12 is paid"}
	support := &staticMember{name: "support", answer: "unused"}

	ctor := New(Deps{Model: m, ModelName: "gpt-test"})
	a := ctor()
	lead, ok := a.(agent.Leader)
	require.True(t, ok)
	require.NoError(t, a.ApplySettings(leaderSettings()))
	a.SetRuntimeContext(&agent.RuntimeContext{UserID: "u-1"})
	require.NoError(t, lead.InitWithCrew(context.Background(), []agent.Agent{billing, support}))

	var plans []*agent.ChatMessage
	emit := func(_ context.Context, msg *agent.ChatMessage) error {
		if msg.Channel == agent.ChannelPlan {
			plans = append(plans, msg)
		}
		return nil
	}
	st := &agent.State{Messages: []*agent.ChatMessage{{
		Role: agent.RoleUser, Parts: agent.NewText("was my invoice paid?"),
	}}}
	out, err := a.Graph().Invoke(context.Background(), "s1", st, emit)
	require.NoError(t, err)

	// The member saw the user's actual message.
	require.Len(t, billing.invoked, 1)
	assert.Contains(t, billing.invoked[0], "was my invoice paid?")
	assert.Empty(t, support.invoked)

	// Dispatch decision surfaced on the plan channel.
	require.Len(t, plans, 1)
	require.Len(t, plans[0].ToolCalls, 1)
	assert.Equal(t, "billing", plans[0].ToolCalls[0].Name)

	// Member answer fed back as tool result, then summarized.
	final := out.LastAssistant()
	assert.Equal(t, "Billing says: your invoice is paid.", final.Text())
	var sawResult bool
	for _, msg := range out.Messages {
		if block, ok := msg.ToolResult(); ok {
			sawResult = true
			assert.Equal(t, "c1", block.CallID)
			assert.Equal(t, "invoice 12 is paid", block.Content)
		}
	}
	assert.True(t, sawResult)
}

func TestUnknownMemberFallsBack(t *testing.T) {
	m := &scriptedModel{script: []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "ghost"}}},
		{Content: "I could not reach a specialist.", StopReason: "stop"},
	}}
	billing := &staticMember{name: "billing", answer: "x"}

	ctor := New(Deps{Model: m, ModelName: "gpt-test"})
	a := ctor()
	settings := leaderSettings()
	settings.Crew = []string{"billing"}
	require.NoError(t, a.ApplySettings(settings))
	lead := a.(agent.Leader)
	require.NoError(t, lead.InitWithCrew(context.Background(), []agent.Agent{billing}))

	st := &agent.State{Messages: []*agent.ChatMessage{{
		Role: agent.RoleUser, Parts: agent.NewText("hi"),
	}}}
	out, err := a.Graph().Invoke(context.Background(), "s1", st, nil)
	require.NoError(t, err)
	// The bad dispatch became an unavailable tool result, not a crash.
	assert.Equal(t, "I could not reach a specialist.", out.LastAssistant().Text())
}

func TestCloseClosesCrew(t *testing.T) {
	billing := &staticMember{name: "billing", answer: "x"}
	support := &staticMember{name: "support", answer: "y"}
	ctor := New(Deps{Model: &scriptedModel{}})
	a := ctor()
	require.NoError(t, a.ApplySettings(leaderSettings()))
	lead := a.(agent.Leader)
	require.NoError(t, lead.InitWithCrew(context.Background(), []agent.Agent{billing, support}))

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 1, billing.closed)
	assert.Equal(t, 1, support.closed)
}

func TestApplySettingsRejectsNonLeader(t *testing.T) {
	ctor := New(Deps{Model: &scriptedModel{}})
	a := ctor()
	err := a.ApplySettings(&agent.Settings{Name: "echo", Kind: agent.KindAgent})
	assert.Error(t, err)
}
