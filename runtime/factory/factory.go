// Package factory builds and caches live agent instances per chat session.
// Construction is settings -> class constructor -> ApplySettings ->
// SetRuntimeContext -> Init; leaders get their crew built recursively first.
// A bounded LRU keyed (session, agent) caps concurrent live agents; eviction
// closes the agent off the request path.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/catalog"
	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/storage"
)

// ErrAgentDisabled indicates the definition exists but is switched off.
var ErrAgentDisabled = errors.New("agent is disabled")

// closeTimeout bounds the close of an evicted agent.
const closeTimeout = 10 * time.Second

type (
	// cacheKey identifies a live agent within the session cache.
	cacheKey struct {
		SessionID string
		AgentName string
	}

	// Factory builds agents from the catalog and caches them per session.
	Factory struct {
		catalog  *catalog.Catalog
		registry *catalog.Registry
		// defaultClass is used for dynamic definitions with no class name.
		defaultClass string
		logger       telemetry.Logger

		cache *lru.Cache[cacheKey, agent.Agent]
		// syncClose switches evict-close from async to inline during
		// session teardown.
		syncClose atomic.Bool
		mu        sync.Mutex // serializes build of the same key

		// pinMu guards pins and parked. Pinned sessions hold live graph
		// checkpoints; their evicted agents are parked, not closed, so a
		// later resume still finds its state.
		pinMu  sync.Mutex
		pins   map[string]bool
		parked map[cacheKey]agent.Agent
	}

	// Options configures a Factory.
	Options struct {
		Catalog  *catalog.Catalog
		Registry *catalog.Registry
		// Capacity caps live agents across all sessions
		// (ai.max_concurrent_agents).
		Capacity int
		// DefaultClass resolves definitions with an empty class name.
		DefaultClass string
		Logger       telemetry.Logger
	}
)

// New builds a factory with a bounded session cache.
func New(opts Options) (*Factory, error) {
	if opts.Catalog == nil || opts.Registry == nil {
		return nil, fmt.Errorf("factory: catalog and registry are required")
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("factory: capacity must be positive, got %d", opts.Capacity)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	f := &Factory{
		catalog:      opts.Catalog,
		registry:     opts.Registry,
		defaultClass: opts.DefaultClass,
		logger:       logger,
		pins:         make(map[string]bool),
		parked:       make(map[cacheKey]agent.Agent),
	}
	cache, err := lru.NewWithEvict(opts.Capacity, f.onEvict)
	if err != nil {
		return nil, fmt.Errorf("factory: build cache: %w", err)
	}
	f.cache = cache
	return f, nil
}

// CreateAndInit returns a ready agent for (session, name), building and
// caching it on miss. A hit refreshes the runtime context and returns the
// cached instance; the second return reports the hit.
func (f *Factory) CreateAndInit(ctx context.Context, name string, rc *agent.RuntimeContext, sessionID string) (agent.Agent, bool, error) {
	key := cacheKey{SessionID: sessionID, AgentName: name}
	if a, ok := f.cache.Get(key); ok {
		a.SetRuntimeContext(rc)
		return a, true, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// Re-check: another request may have built it while we waited.
	if a, ok := f.cache.Get(key); ok {
		a.SetRuntimeContext(rc)
		return a, true, nil
	}
	if a, ok := f.unpark(key); ok {
		a.SetRuntimeContext(rc)
		f.cache.Add(key, a)
		return a, true, nil
	}

	a, err := f.build(ctx, name, rc)
	if err != nil {
		return nil, false, err
	}
	f.cache.Add(key, a)
	return a, false, nil
}

// build constructs and initializes one agent, recursing for leader crews.
// Crew members are owned by their leader, not the cache.
func (f *Factory) build(ctx context.Context, name string, rc *agent.RuntimeContext) (agent.Agent, error) {
	settings, err := f.lookup(ctx, name, rc)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, fmt.Errorf("agent %q: %w", name, ErrAgentDisabled)
	}
	className := settings.ClassName
	if className == "" {
		className = f.defaultClass
	}
	ctor, err := f.registry.Resolve(className)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", name, err)
	}

	a := ctor()
	if err := a.ApplySettings(settings); err != nil {
		return nil, fmt.Errorf("agent %q: apply settings: %w", name, err)
	}
	a.SetRuntimeContext(rc)

	if leader, ok := a.(agent.Leader); ok && settings.Kind == agent.KindLeader {
		crew := make([]agent.Agent, 0, len(settings.Crew))
		for _, member := range settings.Crew {
			m, err := f.build(ctx, member, rc)
			if err != nil {
				closeAll(ctx, crew, f.logger)
				return nil, fmt.Errorf("leader %q: build crew: %w", name, err)
			}
			crew = append(crew, m)
		}
		if err := leader.InitWithCrew(ctx, crew); err != nil {
			closeAll(ctx, crew, f.logger)
			return nil, fmt.Errorf("leader %q: init: %w", name, err)
		}
		return a, nil
	}

	if err := a.Init(ctx); err != nil {
		return nil, fmt.Errorf("agent %q: init: %w", name, err)
	}
	return a, nil
}

// lookup resolves the definition, user override first.
func (f *Factory) lookup(ctx context.Context, name string, rc *agent.RuntimeContext) (*agent.Settings, error) {
	if rc != nil && rc.UserID != "" {
		s, err := f.catalog.Get(ctx, name, storage.ScopeUser, rc.UserID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, catalog.ErrAgentNotFound) {
			return nil, err
		}
	}
	return f.catalog.Get(ctx, name, storage.ScopeGlobal, "")
}

// PinSession protects a session's agents from eviction close: entries the
// LRU pushes out are parked until the session is unpinned or torn down.
// Blocked exchanges pin their session so the graph checkpoint survives
// cache pressure until the human input arrives.
func (f *Factory) PinSession(sessionID string) {
	f.pinMu.Lock()
	defer f.pinMu.Unlock()
	f.pins[sessionID] = true
}

// UnpinSession lifts the pin and closes any parked agents of the session.
func (f *Factory) UnpinSession(sessionID string) {
	for key, a := range f.takeParked(sessionID) {
		f.closeAgent(key, a)
	}
}

// unpark removes and returns a parked agent, if any.
func (f *Factory) unpark(key cacheKey) (agent.Agent, bool) {
	f.pinMu.Lock()
	defer f.pinMu.Unlock()
	a, ok := f.parked[key]
	if ok {
		delete(f.parked, key)
	}
	return a, ok
}

// takeParked drops the session's pin and claims its parked agents.
func (f *Factory) takeParked(sessionID string) map[cacheKey]agent.Agent {
	f.pinMu.Lock()
	defer f.pinMu.Unlock()
	delete(f.pins, sessionID)
	out := make(map[cacheKey]agent.Agent)
	for key, a := range f.parked {
		if key.SessionID == sessionID {
			out[key] = a
			delete(f.parked, key)
		}
	}
	return out
}

// TeardownSession closes and drops every agent cached or parked for the
// session. Closes run sequentially; one failure never prevents the next.
func (f *Factory) TeardownSession(ctx context.Context, sessionID string) {
	var keys []cacheKey
	for _, key := range f.cache.Keys() {
		if key.SessionID == sessionID {
			keys = append(keys, key)
		}
	}
	parked := f.takeParked(sessionID)
	f.syncClose.Store(true)
	defer f.syncClose.Store(false)
	for _, key := range keys {
		f.cache.Remove(key)
	}
	for key, a := range parked {
		f.closeAgent(key, a)
	}
	f.logger.Debug(ctx, "session torn down", "session_id", sessionID, "agents", len(keys)+len(parked))
}

// Len reports the number of live cached agents.
func (f *Factory) Len() int { return f.cache.Len() }

// onEvict closes the evicted agent. Outside of teardown the close runs in
// the background so the request that triggered the eviction is not blocked.
// Agents of pinned sessions are parked instead of closed.
func (f *Factory) onEvict(key cacheKey, a agent.Agent) {
	if f.syncClose.Load() {
		f.closeAgent(key, a)
		return
	}
	f.pinMu.Lock()
	if f.pins[key.SessionID] {
		f.parked[key] = a
		f.pinMu.Unlock()
		return
	}
	f.pinMu.Unlock()
	go f.closeAgent(key, a)
}

func (f *Factory) closeAgent(key cacheKey, a agent.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		f.logger.Warn(ctx, "agent close failed",
			"session_id", key.SessionID, "agent", key.AgentName, "err", err.Error())
	}
}

func closeAll(ctx context.Context, agents []agent.Agent, logger telemetry.Logger) {
	for _, a := range agents {
		if err := a.Close(ctx); err != nil {
			logger.Warn(ctx, "agent close failed", "agent", a.Name(), "err", err.Error())
		}
	}
}
