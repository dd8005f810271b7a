package factory

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/graph"
	"github.com/loomhq/loom/runtime/mcp"
	"github.com/loomhq/loom/runtime/model"
	"github.com/loomhq/loom/runtime/telemetry"
)

type (
	// Deps are the shared resources agent classes close over at
	// registration time.
	Deps struct {
		Model     model.Client
		ModelName string
		// Servers is the full MCP server config; agents bind the subset
		// their tuning references.
		Servers []config.MCPServer
		// ApprovalTools lists tool names that require human confirmation.
		ApprovalTools []string
		Logger        telemetry.Logger
		Metrics       telemetry.Metrics
	}

	// ChatAgent is the standard prompt/tool loop agent: a system prompt from
	// tuning, MCP tools from the referenced servers, and the reasoner graph.
	ChatAgent struct {
		deps Deps

		mu       sync.Mutex
		settings *agent.Settings
		rc       *agent.RuntimeContext
		mcpRT    *mcp.Runtime
		graph    *graph.Graph
		closed   bool
	}
)

// NewChatAgent returns a constructor for the standard chat agent class.
func NewChatAgent(deps Deps) agent.Constructor {
	return func() agent.Agent { return &ChatAgent{deps: deps} }
}

var _ agent.Agent = (*ChatAgent)(nil)

// Name returns the configured agent name.
func (a *ChatAgent) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settings == nil {
		return ""
	}
	return a.settings.Name
}

// ApplySettings stores the definition. Called before Init.
func (a *ChatAgent) ApplySettings(s *agent.Settings) error {
	if s.Kind != agent.KindAgent {
		return fmt.Errorf("chat agent class requires kind %q, got %q", agent.KindAgent, s.Kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = s
	return nil
}

// SetRuntimeContext replaces the live runtime context. Cached agents get a
// fresh context on every exchange; the MCP token provider reads it live.
func (a *ChatAgent) SetRuntimeContext(rc *agent.RuntimeContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rc = rc
}

// Init connects the referenced MCP servers and compiles the graph. An agent
// whose servers are unreachable still initializes tool-less.
func (a *ChatAgent) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settings == nil {
		return fmt.Errorf("chat agent: settings not applied before init")
	}
	a.mcpRT = mcp.NewRuntime(mcp.Options{
		Servers: a.referencedServers(),
		Tokens:  agent.TokenProviderFunc(a.token),
		Logger:  a.deps.Logger,
	})
	if err := a.mcpRT.Init(ctx); err != nil {
		return fmt.Errorf("agent %q: mcp init: %w", a.settings.Name, err)
	}
	a.graph = graph.New(graph.Options{
		Model:         a.deps.Model,
		ModelName:     a.deps.ModelName,
		Tools:         a.mcpRT,
		Prompt:        a.settings.Tuning.StringValue(agent.SystemPromptKey),
		AgentName:     a.settings.Name,
		Runtime:       a.runtimeContext,
		ApprovalTools: a.deps.ApprovalTools,
		Logger:        a.deps.Logger,
		Metrics:       a.deps.Metrics,
	})
	return nil
}

// Graph returns the compiled reasoner loop.
func (a *ChatAgent) Graph() agent.CompiledGraph {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.graph == nil {
		return nil
	}
	return a.graph
}

// Close tears down the MCP clients. Idempotent.
func (a *ChatAgent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	rt := a.mcpRT
	a.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Close(ctx)
}

// referencedServers resolves the enabled servers named by the tuning.
func (a *ChatAgent) referencedServers() []config.MCPServer {
	var out []config.MCPServer
	for _, name := range a.settings.Tuning.MCPServers {
		for _, srv := range a.deps.Servers {
			if srv.Name == name && srv.Enabled {
				out = append(out, srv)
			}
		}
	}
	return out
}

// token reads the access token from the live runtime context.
func (a *ChatAgent) token(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rc == nil || a.rc.AccessToken == "" {
		return "", agent.ErrNoToken
	}
	return a.rc.AccessToken, nil
}

func (a *ChatAgent) runtimeContext() *agent.RuntimeContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rc == nil {
		return &agent.RuntimeContext{}
	}
	return a.rc
}
