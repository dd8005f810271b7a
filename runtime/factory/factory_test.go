package factory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/catalog"
	"github.com/loomhq/loom/storage"
)

type memAgentStore struct {
	mu     sync.Mutex
	rows   map[string]storage.AgentRecord
	seeded bool
}

func newMemAgentStore() *memAgentStore {
	return &memAgentStore{rows: make(map[string]storage.AgentRecord)}
}

func storeKey(name string, scope storage.Scope, scopeID string) string {
	return name + "|" + string(scope) + "|" + scopeID
}

func (m *memAgentStore) Save(_ context.Context, rec storage.AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[storeKey(rec.Name, rec.Scope, rec.ScopeID)] = rec
	return nil
}

func (m *memAgentStore) Get(_ context.Context, name string, scope storage.Scope, scopeID string) (storage.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[storeKey(name, scope, scopeID)]
	if !ok {
		return storage.AgentRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (m *memAgentStore) LoadByScope(_ context.Context, scope storage.Scope, scopeID string) ([]storage.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.AgentRecord
	for _, rec := range m.rows {
		if rec.Scope == scope && rec.ScopeID == scopeID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memAgentStore) Delete(_ context.Context, name string, scope storage.Scope, scopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storeKey(name, scope, scopeID)
	if _, ok := m.rows[k]; !ok {
		return storage.ErrNotFound
	}
	delete(m.rows, k)
	return nil
}

func (m *memAgentStore) StaticSeeded(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seeded, nil
}

func (m *memAgentStore) MarkStaticSeeded(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded = true
	return nil
}

// probe is an instrumented agent class recording lifecycle calls.
type probe struct {
	mu       sync.Mutex
	settings *agent.Settings
	rc       *agent.RuntimeContext
	inits    int
	closes   int
	closeErr error
	crew     []agent.Agent
}

func (p *probe) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settings == nil {
		return ""
	}
	return p.settings.Name
}

func (p *probe) ApplySettings(s *agent.Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s
	return nil
}

func (p *probe) SetRuntimeContext(rc *agent.RuntimeContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rc = rc
}

func (p *probe) Init(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits++
	return nil
}

func (p *probe) Graph() agent.CompiledGraph { return nil }

func (p *probe) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return p.closeErr
}

func (p *probe) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// leaderProbe additionally records the crew it was handed.
type leaderProbe struct {
	probe
}

func (p *leaderProbe) Init(context.Context) error {
	return errors.New("leader must be initialized with a crew")
}

func (p *leaderProbe) InitWithCrew(_ context.Context, crew []agent.Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crew = crew
	p.inits++
	return nil
}

type harness struct {
	factory *Factory
	probes  []*probe
	leaders []*leaderProbe
	mu      sync.Mutex
}

func newHarness(t *testing.T, capacity int, static []agent.Settings) *harness {
	t.Helper()
	h := &harness{}
	reg := catalog.NewRegistry()
	reg.Register("test.Agent", func() agent.Agent {
		h.mu.Lock()
		defer h.mu.Unlock()
		p := &probe{}
		h.probes = append(h.probes, p)
		return p
	})
	reg.Register("test.Leader", func() agent.Agent {
		h.mu.Lock()
		defer h.mu.Unlock()
		p := &leaderProbe{}
		h.leaders = append(h.leaders, p)
		return p
	})
	cat := catalog.New(newMemAgentStore(), reg, static, nil)
	require.NoError(t, cat.Bootstrap(context.Background()))
	f, err := New(Options{Catalog: cat, Registry: reg, Capacity: capacity, DefaultClass: "test.Agent"})
	require.NoError(t, err)
	h.factory = f
	return h
}

func staticAgents() []agent.Settings {
	return []agent.Settings{
		{Name: "echo", Enabled: true, ClassName: "test.Agent", Kind: agent.KindAgent},
		{Name: "docs", Enabled: true, ClassName: "test.Agent", Kind: agent.KindAgent},
		{Name: "news", Enabled: true, ClassName: "test.Agent", Kind: agent.KindAgent},
		{Name: "off", Enabled: false, ClassName: "test.Agent", Kind: agent.KindAgent},
		{Name: "dyn", Enabled: true, Kind: agent.KindAgent},
		{Name: "triage", Enabled: true, ClassName: "test.Leader", Kind: agent.KindLeader, Crew: []string{"echo", "docs"}},
	}
}

func TestCreateAndInitCachesPerSession(t *testing.T) {
	h := newHarness(t, 8, staticAgents())
	ctx := context.Background()
	rc1 := &agent.RuntimeContext{UserID: "u-1", AccessToken: "t1"}

	a1, hit, err := h.factory.CreateAndInit(ctx, "echo", rc1, "s-1")
	require.NoError(t, err)
	assert.False(t, hit)

	rc2 := &agent.RuntimeContext{UserID: "u-1", AccessToken: "t2"}
	a2, hit, err := h.factory.CreateAndInit(ctx, "echo", rc2, "s-1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, a1, a2)

	// The hit refreshed the runtime context without re-initializing.
	p := h.probes[0]
	assert.Equal(t, 1, p.inits)
	assert.Equal(t, "t2", p.rc.AccessToken)

	// A different session builds its own instance.
	_, hit, err = h.factory.CreateAndInit(ctx, "echo", rc1, "s-2")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, h.factory.Len())
}

func TestLRUBoundEvictsAndClosesOnce(t *testing.T) {
	h := newHarness(t, 2, staticAgents())
	ctx := context.Background()
	rc := &agent.RuntimeContext{UserID: "u-1"}

	_, _, err := h.factory.CreateAndInit(ctx, "echo", rc, "s-1")
	require.NoError(t, err)
	_, _, err = h.factory.CreateAndInit(ctx, "docs", rc, "s-1")
	require.NoError(t, err)
	_, _, err = h.factory.CreateAndInit(ctx, "news", rc, "s-1")
	require.NoError(t, err)

	assert.Equal(t, 2, h.factory.Len())
	// The oldest entry (echo) was evicted and closed exactly once, off the
	// request path.
	evicted := h.probes[0]
	assert.Eventually(t, func() bool { return evicted.closeCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestPinnedSessionParksInsteadOfClosing(t *testing.T) {
	h := newHarness(t, 2, staticAgents())
	ctx := context.Background()
	rc := &agent.RuntimeContext{UserID: "u-1"}

	a1, _, err := h.factory.CreateAndInit(ctx, "echo", rc, "s-1")
	require.NoError(t, err)
	h.factory.PinSession("s-1")

	// Push the pinned entry out of the LRU.
	_, _, err = h.factory.CreateAndInit(ctx, "docs", rc, "s-2")
	require.NoError(t, err)
	_, _, err = h.factory.CreateAndInit(ctx, "news", rc, "s-2")
	require.NoError(t, err)
	assert.Equal(t, 0, h.probes[0].closeCount(), "pinned agent must stay alive")

	// The parked agent comes back as a cache hit with its state intact.
	a2, hit, err := h.factory.CreateAndInit(ctx, "echo", rc, "s-1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, a1, a2)
	assert.Equal(t, 1, h.probes[0].inits)

	h.factory.TeardownSession(ctx, "s-1")
	assert.Equal(t, 1, h.probes[0].closeCount())
}

func TestUnpinSessionClosesParkedAgents(t *testing.T) {
	h := newHarness(t, 2, staticAgents())
	ctx := context.Background()
	rc := &agent.RuntimeContext{UserID: "u-1"}

	_, _, err := h.factory.CreateAndInit(ctx, "echo", rc, "s-1")
	require.NoError(t, err)
	h.factory.PinSession("s-1")
	_, _, err = h.factory.CreateAndInit(ctx, "docs", rc, "s-2")
	require.NoError(t, err)
	_, _, err = h.factory.CreateAndInit(ctx, "news", rc, "s-2")
	require.NoError(t, err)
	require.Equal(t, 0, h.probes[0].closeCount())

	h.factory.UnpinSession("s-1")
	assert.Equal(t, 1, h.probes[0].closeCount())

	// Once unpinned the next build starts fresh.
	_, hit, err := h.factory.CreateAndInit(ctx, "echo", rc, "s-1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestLeaderCrewBuiltRecursively(t *testing.T) {
	h := newHarness(t, 8, staticAgents())
	ctx := context.Background()

	a, hit, err := h.factory.CreateAndInit(ctx, "triage", &agent.RuntimeContext{UserID: "u-1"}, "s-1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.Len(t, h.leaders, 1)
	lead := h.leaders[0]
	assert.Same(t, a, lead)
	require.Len(t, lead.crew, 2)
	names := []string{lead.crew[0].Name(), lead.crew[1].Name()}
	assert.ElementsMatch(t, []string{"echo", "docs"}, names)

	// Crew members belong to the leader, not the cache.
	assert.Equal(t, 1, h.factory.Len())
}

func TestTeardownSessionClosesAll(t *testing.T) {
	h := newHarness(t, 8, staticAgents())
	ctx := context.Background()
	rc := &agent.RuntimeContext{UserID: "u-1"}

	_, _, err := h.factory.CreateAndInit(ctx, "echo", rc, "s-1")
	require.NoError(t, err)
	_, _, err = h.factory.CreateAndInit(ctx, "docs", rc, "s-1")
	require.NoError(t, err)
	_, _, err = h.factory.CreateAndInit(ctx, "news", rc, "s-2")
	require.NoError(t, err)

	// One close failing never prevents the next.
	h.probes[0].closeErr = errors.New("drain failed")

	h.factory.TeardownSession(ctx, "s-1")

	assert.Equal(t, 1, h.probes[0].closeCount())
	assert.Equal(t, 1, h.probes[1].closeCount())
	assert.Equal(t, 0, h.probes[2].closeCount(), "other sessions untouched")
	assert.Equal(t, 1, h.factory.Len())
}

func TestLookupErrors(t *testing.T) {
	h := newHarness(t, 8, staticAgents())
	ctx := context.Background()
	rc := &agent.RuntimeContext{UserID: "u-1"}

	_, _, err := h.factory.CreateAndInit(ctx, "ghost", rc, "s-1")
	assert.ErrorIs(t, err, catalog.ErrAgentNotFound)

	_, _, err = h.factory.CreateAndInit(ctx, "off", rc, "s-1")
	assert.ErrorIs(t, err, ErrAgentDisabled)
}

func TestDynamicAgentUsesDefaultClass(t *testing.T) {
	h := newHarness(t, 8, staticAgents())
	a, _, err := h.factory.CreateAndInit(context.Background(), "dyn", &agent.RuntimeContext{UserID: "u-1"}, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "dyn", a.Name())
}
