package leader

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/graph"
	"github.com/loomhq/loom/runtime/mcp"
	"github.com/loomhq/loom/runtime/telemetry"
)

// crewRunner exposes the crew as dispatch tools to the leader's reasoner
// loop: one tool per member, named after the member. Dispatching runs the
// member's own compiled graph and returns its final assistant text.
type crewRunner struct {
	members []agent.Agent
	byName  map[string]agent.Agent
	kit     *mcp.Toolkit
	logger  telemetry.Logger

	mu          sync.Mutex
	userMessage string
}

var _ graph.ToolRunner = (*crewRunner)(nil)

func newCrewRunner(members []agent.Agent, logger telemetry.Logger) *crewRunner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	r := &crewRunner{
		members: members,
		byName:  make(map[string]agent.Agent, len(members)),
		logger:  logger,
	}
	tools := make([]mcp.Tool, 0, len(members))
	for _, m := range members {
		r.byName[m.Name()] = m
		tools = append(tools, mcp.Tool{
			Name:        m.Name(),
			Description: fmt.Sprintf("Hand the user's request to the %s agent and receive its answer.", m.Name()),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instruction": map[string]any{
						"type":        "string",
						"description": "Optional focus for the member; the user's message is always included.",
					},
				},
			},
		})
	}
	r.kit = mcp.NewToolkit(tools)
	return r
}

// setUserMessage pins the message dispatched to members for the current
// exchange.
func (r *crewRunner) setUserMessage(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userMessage = text
}

// Tools returns the dispatch toolkit.
func (r *crewRunner) Tools() *mcp.Toolkit { return r.kit }

// Call runs the named member's graph with the current user message and
// returns the member's final assistant text as the tool result.
func (r *crewRunner) Call(ctx context.Context, name string, args map[string]any) (mcp.CallResult, error) {
	member, ok := r.byName[name]
	if !ok {
		return mcp.CallResult{}, fmt.Errorf("crew member %q: %w", name, mcp.ErrToolNotBound)
	}
	r.mu.Lock()
	text := r.userMessage
	r.mu.Unlock()
	if instruction, ok := args["instruction"].(string); ok && instruction != "" {
		text = text + "\n\nFocus: " + instruction
	}

	g := member.Graph()
	if g == nil {
		return mcp.CallResult{Text: fmt.Sprintf("agent %s has no graph", name), IsError: true}, nil
	}
	st := &agent.State{Messages: []*agent.ChatMessage{{
		Role:    agent.RoleUser,
		Channel: agent.ChannelFinal,
		Parts:   agent.NewText(text),
	}}}
	out, err := g.Invoke(ctx, "dispatch-"+uuid.NewString(), st, nil)
	if err != nil {
		return mcp.CallResult{}, fmt.Errorf("dispatch to %s: %w", name, err)
	}
	final := out.LastAssistant()
	if final == nil {
		return mcp.CallResult{Text: fmt.Sprintf("agent %s produced no answer", name), IsError: true}, nil
	}
	return mcp.CallResult{Text: final.Text()}, nil
}

// RefreshAndBind is a no-op: crew dispatch has no transport to rebuild.
func (r *crewRunner) RefreshAndBind(context.Context) error { return nil }
