// Package leader implements crew composition: an agent whose tools are other
// agents. The model picks the member by name, the leader runs that member's
// graph with the user's message, feeds the member's answer back as a tool
// result, and produces the final summary itself.
package leader

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/graph"
	"github.com/loomhq/loom/runtime/model"
	"github.com/loomhq/loom/runtime/telemetry"
)

type (
	// Deps are the shared resources a leader needs. Constructors close over
	// one Deps value at registration time.
	Deps struct {
		Model     model.Client
		ModelName string
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Agent is the leader implementation. Its compiled graph is the standard
	// reasoner loop with the crew bound as dispatch tools.
	Agent struct {
		deps Deps

		mu       sync.Mutex
		settings *agent.Settings
		rc       *agent.RuntimeContext
		crew     *crewRunner
		graph    *dispatchGraph
		closed   bool
	}
)

// New returns a constructor for the leader class.
func New(deps Deps) agent.Constructor {
	return func() agent.Agent { return &Agent{deps: deps} }
}

var _ agent.Leader = (*Agent)(nil)

// Name returns the configured agent name.
func (a *Agent) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settings == nil {
		return ""
	}
	return a.settings.Name
}

// ApplySettings stores the definition. Called before Init.
func (a *Agent) ApplySettings(s *agent.Settings) error {
	if s.Kind != agent.KindLeader {
		return fmt.Errorf("leader class requires kind %q, got %q", agent.KindLeader, s.Kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = s
	return nil
}

// SetRuntimeContext replaces the live runtime context.
func (a *Agent) SetRuntimeContext(rc *agent.RuntimeContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rc = rc
}

// Init without a crew is a wiring error: the factory must call InitWithCrew.
func (a *Agent) Init(context.Context) error {
	return fmt.Errorf("leader %q: initialized without a crew", a.Name())
}

// InitWithCrew receives the built crew and compiles the dispatch graph.
func (a *Agent) InitWithCrew(_ context.Context, crew []agent.Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settings == nil {
		return fmt.Errorf("leader: settings not applied before init")
	}
	if len(crew) == 0 {
		return fmt.Errorf("leader %q: empty crew", a.settings.Name)
	}
	a.crew = newCrewRunner(crew, a.deps.Logger)
	inner := graph.New(graph.Options{
		Model:       a.deps.Model,
		ModelName:   a.deps.ModelName,
		Tools:       a.crew,
		Prompt:      a.settings.Tuning.StringValue(agent.SystemPromptKey),
		AgentName:   a.settings.Name,
		Runtime:     a.runtimeContext,
		CallChannel: agent.ChannelPlan,
		Logger:      a.deps.Logger,
		Metrics:     a.deps.Metrics,
	})
	a.graph = &dispatchGraph{inner: inner, crew: a.crew}
	return nil
}

// Graph returns the compiled dispatch loop.
func (a *Agent) Graph() agent.CompiledGraph {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.graph
}

// Close releases the crew. Idempotent; one member failure never prevents
// closing the rest.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	crew := a.crew
	a.mu.Unlock()
	if crew == nil {
		return nil
	}
	for _, member := range crew.members {
		if err := member.Close(ctx); err != nil && a.deps.Logger != nil {
			a.deps.Logger.Warn(ctx, "crew member close", "member", member.Name(), "err", err.Error())
		}
	}
	return nil
}

func (a *Agent) runtimeContext() *agent.RuntimeContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rc == nil {
		return &agent.RuntimeContext{}
	}
	return a.rc
}

// dispatchGraph pins the current user message before delegating to the
// reasoner loop, so dispatches always carry what the user actually asked.
type dispatchGraph struct {
	inner *graph.Graph
	crew  *crewRunner
}

var _ agent.CompiledGraph = (*dispatchGraph)(nil)

func (d *dispatchGraph) Invoke(ctx context.Context, threadID string, st *agent.State, emit agent.EmitFunc) (*agent.State, error) {
	d.crew.setUserMessage(lastUserText(st))
	return d.inner.Invoke(ctx, threadID, st, emit)
}

func (d *dispatchGraph) Resume(ctx context.Context, threadID string, humanInput map[string]any, emit agent.EmitFunc) (*agent.State, error) {
	return d.inner.Resume(ctx, threadID, humanInput, emit)
}

func (d *dispatchGraph) Snapshot(threadID string) (*agent.Snapshot, bool) {
	return d.inner.Snapshot(threadID)
}

func lastUserText(st *agent.State) string {
	if st == nil {
		return ""
	}
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == agent.RoleUser {
			return st.Messages[i].Text()
		}
	}
	return ""
}
