package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/catalog"
	"github.com/loomhq/loom/runtime/factory"
	"github.com/loomhq/loom/storage"
)

type memSessionStore struct {
	mu   sync.Mutex
	rows map[string]*storage.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{rows: make(map[string]*storage.Session)}
}

func (s *memSessionStore) Save(_ context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *sess
	s.rows[sess.ID] = &clone
	return nil
}

func (s *memSessionStore) Get(_ context.Context, id string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *sess
	return &clone, nil
}

func (s *memSessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *memSessionStore) ListForUser(_ context.Context, userID string) ([]*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Session
	for _, sess := range s.rows {
		if sess.UserID == userID {
			clone := *sess
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

type memHistoryStore struct {
	mu   sync.Mutex
	rows []*agent.ChatMessage
}

func (s *memHistoryStore) Append(_ context.Context, msgs []*agent.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, msgs...)
	return nil
}

func (s *memHistoryStore) ListBySession(_ context.Context, sessionID string) ([]*agent.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*agent.ChatMessage
	for _, m := range s.rows {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (s *memHistoryStore) MaxRank(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, m := range s.rows {
		if m.SessionID == sessionID && m.Rank > max {
			max = m.Rank
		}
	}
	return max, nil
}

type memAgentStore struct {
	mu     sync.Mutex
	rows   map[string]storage.AgentRecord
	seeded bool
}

func (s *memAgentStore) key(name string, scope storage.Scope, scopeID string) string {
	return name + "|" + string(scope) + "|" + scopeID
}

func (s *memAgentStore) Save(_ context.Context, rec storage.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[s.key(rec.Name, rec.Scope, rec.ScopeID)] = rec
	return nil
}

func (s *memAgentStore) Get(_ context.Context, name string, scope storage.Scope, scopeID string) (storage.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[s.key(name, scope, scopeID)]
	if !ok {
		return storage.AgentRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *memAgentStore) LoadByScope(_ context.Context, scope storage.Scope, scopeID string) ([]storage.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AgentRecord
	for _, rec := range s.rows {
		if rec.Scope == scope && rec.ScopeID == scopeID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memAgentStore) Delete(_ context.Context, name string, scope storage.Scope, scopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, s.key(name, scope, scopeID))
	return nil
}

func (s *memAgentStore) StaticSeeded(context.Context) (bool, error) { return s.seeded, nil }
func (s *memAgentStore) MarkStaticSeeded(context.Context) error     { s.seeded = true; return nil }

// echoGraph is a scripted CompiledGraph: it streams one thought, then either
// finishes with an echo of the user message, pauses on an interrupt, or
// fails.
type echoGraph struct {
	blockFirst bool
	failWith   error

	mu      sync.Mutex
	pending map[string][]agent.Interrupt
}

func newEchoGraph() *echoGraph {
	return &echoGraph{pending: make(map[string][]agent.Interrupt)}
}

func (g *echoGraph) Invoke(ctx context.Context, threadID string, st *agent.State, emit agent.EmitFunc) (*agent.State, error) {
	thought := &agent.ChatMessage{Role: agent.RoleAssistant, Channel: agent.ChannelThought, Parts: agent.NewText("thinking")}
	st.Append(thought)
	if emit != nil {
		if err := emit(ctx, thought); err != nil {
			return nil, err
		}
	}
	if g.failWith != nil {
		return nil, g.failWith
	}
	g.mu.Lock()
	if g.blockFirst {
		if _, ok := g.pending[threadID]; !ok {
			g.pending[threadID] = []agent.Interrupt{{
				ID:        "i-1",
				Reason:    "tool_approval",
				ToolCalls: []agent.ToolCall{{ID: "c-1", Name: "delete_page"}},
			}}
			g.mu.Unlock()
			st.Blocked = true
			return st, nil
		}
	}
	g.mu.Unlock()

	text := "echo: "
	for _, m := range st.Messages {
		if m.Role == agent.RoleUser {
			text = "echo: " + m.Text()
		}
	}
	return g.finish(ctx, st, emit, text)
}

func (g *echoGraph) Resume(ctx context.Context, threadID string, humanInput map[string]any, emit agent.EmitFunc) (*agent.State, error) {
	g.mu.Lock()
	_, ok := g.pending[threadID]
	delete(g.pending, threadID)
	g.mu.Unlock()
	if !ok {
		return nil, errors.New("no checkpoint for thread " + threadID)
	}
	text := "declined"
	if approved, _ := humanInput["approved"].(bool); approved {
		text = "approved and done"
	}
	return g.finish(ctx, &agent.State{}, emit, text)
}

func (g *echoGraph) finish(ctx context.Context, st *agent.State, emit agent.EmitFunc, text string) (*agent.State, error) {
	final := &agent.ChatMessage{Role: agent.RoleAssistant, Channel: agent.ChannelFinal, Parts: agent.NewText(text)}
	st.Append(final)
	if emit != nil {
		if err := emit(ctx, final); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (g *echoGraph) Snapshot(threadID string) (*agent.Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	interrupts, ok := g.pending[threadID]
	if !ok {
		return nil, false
	}
	return &agent.Snapshot{ThreadID: threadID, Interrupts: interrupts}, true
}

type echoAgent struct {
	name   string
	graph  *echoGraph
	closes *int
	mu     sync.Mutex
}

func (a *echoAgent) Name() string { return a.name }
func (a *echoAgent) ApplySettings(s *agent.Settings) error {
	a.name = s.Name
	return nil
}
func (a *echoAgent) SetRuntimeContext(*agent.RuntimeContext) {}
func (a *echoAgent) Init(context.Context) error              { return nil }
func (a *echoAgent) Graph() agent.CompiledGraph              { return a.graph }
func (a *echoAgent) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	*a.closes++
	return nil
}

type harness struct {
	orch     *Orchestrator
	factory  *factory.Factory
	sessions *memSessionStore
	history  *memHistoryStore
	graph    *echoGraph
	closes   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions: newMemSessionStore(),
		history:  &memHistoryStore{},
		graph:    newEchoGraph(),
	}
	registry := catalog.NewRegistry()
	registry.Register("test.Echo", func() agent.Agent {
		return &echoAgent{graph: h.graph, closes: &h.closes}
	})
	cat := catalog.New(&memAgentStore{rows: make(map[string]storage.AgentRecord)}, registry, []agent.Settings{
		{Name: "echo", Enabled: true, ClassName: "test.Echo", Kind: agent.KindAgent},
	}, nil)
	f, err := factory.New(factory.Options{Catalog: cat, Registry: registry, Capacity: 8})
	require.NoError(t, err)
	h.factory = f
	h.orch, err = New(Options{Factory: f, Sessions: h.sessions, History: h.history})
	require.NoError(t, err)
	return h
}

func ask(sessionID, message string) Request {
	return Request{
		UserID:    "u-1",
		SessionID: sessionID,
		AgentName: "echo",
		Message:   message,
		Runtime:   &agent.RuntimeContext{UserID: "u-1"},
	}
}

func TestNewSessionTitledFromFirstMessage(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("notes ", 20) // 120 runes

	res, err := h.orch.HandleExchange(context.Background(), ask("", long), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.NotEmpty(t, res.Session.ID)
	assert.NotEmpty(t, res.ExchangeID)
	assert.Equal(t, 80, len([]rune(res.Session.Title)))

	require.Len(t, res.Finals, 1)
	assert.Equal(t, "echo: "+long, res.Finals[0].Text())

	stored, err := h.sessions.Get(context.Background(), res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "u-1", stored.UserID)
}

func TestRanksMonotonicAcrossExchanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.HandleExchange(ctx, ask("", "first"), nil)
	require.NoError(t, err)
	sid := res.Session.ID
	_, err = h.orch.HandleExchange(ctx, ask(sid, "second"), nil)
	require.NoError(t, err)

	msgs, err := h.orch.History(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 6) // user, thought, final per exchange
	for i, m := range msgs {
		assert.Equal(t, i+1, m.Rank)
		assert.Equal(t, sid, m.SessionID)
	}
	assert.Equal(t, msgs[0].ExchangeID, msgs[2].ExchangeID)
	assert.NotEqual(t, msgs[0].ExchangeID, msgs[3].ExchangeID)

	// A fresh orchestrator over the same stores seeds its allocator from the
	// persisted max rank.
	orch2, err := New(Options{Factory: h.factory, Sessions: h.sessions, History: h.history})
	require.NoError(t, err)
	_, err = orch2.HandleExchange(ctx, ask(sid, "third"), nil)
	require.NoError(t, err)
	msgs, err = h.orch.History(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 9)
	assert.Equal(t, 9, msgs[8].Rank)
}

func TestStreamFramesReachSink(t *testing.T) {
	h := newHarness(t)
	sink := NewSink(8, nil)

	_, err := h.orch.HandleExchange(context.Background(), ask("", "hello"), sink)
	require.NoError(t, err)
	sink.Close()

	first, err := sink.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agent.ChannelThought, first.Channel)
	second, err := sink.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agent.ChannelFinal, second.Channel)
	assert.Positive(t, second.Rank)
}

type memMirror struct {
	mu   sync.Mutex
	msgs []*agent.ChatMessage
}

func (m *memMirror) Publish(_ context.Context, msg *agent.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func TestMirrorReceivesStreamFrames(t *testing.T) {
	h := newHarness(t)
	mirror := &memMirror{}
	orch, err := New(Options{
		Factory: h.factory, Sessions: h.sessions, History: h.history, Mirror: mirror,
	})
	require.NoError(t, err)

	_, err = orch.HandleExchange(context.Background(), ask("", "hello"), nil)
	require.NoError(t, err)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	require.Len(t, mirror.msgs, 2) // thought + final
	assert.Equal(t, agent.ChannelThought, mirror.msgs[0].Channel)
	assert.Equal(t, agent.ChannelFinal, mirror.msgs[1].Channel)
	assert.NotEmpty(t, mirror.msgs[0].SessionID)
}

func TestBlockedExchangeStaysWarmAndResumes(t *testing.T) {
	h := newHarness(t)
	h.graph.blockFirst = true
	ctx := context.Background()

	res, err := h.orch.HandleExchange(ctx, ask("", "delete that page"), nil)
	require.NoError(t, err)
	require.True(t, res.Blocked)
	require.Len(t, res.Interrupts, 1)
	assert.Equal(t, "tool_approval", res.Interrupts[0].Reason)
	assert.Equal(t, 1, h.factory.Len())
	sid := res.Session.ID

	resume := ask(sid, "")
	resume.HumanInput = map[string]any{"approved": true}
	res, err = h.orch.HandleExchange(ctx, resume, nil)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	require.Len(t, res.Finals, 1)
	assert.Equal(t, "approved and done", res.Finals[0].Text())

	// The resumed frames continue the rank sequence.
	msgs, err := h.orch.History(ctx, sid)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, len(msgs), last.Rank)
}

func TestGraphFailureFlushesStreamedMessages(t *testing.T) {
	h := newHarness(t)
	h.graph.failWith = errors.New("model exploded")

	_, err := h.orch.HandleExchange(context.Background(), ask("", "boom"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")

	// The user message and the streamed thought were persisted before the
	// error surfaced.
	sessions, err := h.sessions.ListForUser(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	msgs, err := h.orch.History(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, agent.RoleUser, msgs[0].Role)
	assert.Equal(t, agent.ChannelThought, msgs[1].Channel)
}

func TestEndSessionClosesAgents(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.HandleExchange(context.Background(), ask("", "hello"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.factory.Len())

	h.orch.EndSession(context.Background(), res.Session.ID)
	assert.Equal(t, 0, h.factory.Len())
	assert.Equal(t, 1, h.closes)
}

func TestForeignSessionRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sessions.Save(context.Background(), &storage.Session{
		ID: "s-other", UserID: "u-2", UpdatedAt: time.Now(),
	}))
	_, err := h.orch.HandleExchange(context.Background(), ask("s-other", "hello"), nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
