package mcp

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomhq/loom/runtime/model"
)

type (
	// Tool is one remote tool discovered from an MCP server, with its input
	// schema compiled for argument validation.
	Tool struct {
		// Name is the tool identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the raw JSON Schema object for the tool arguments.
		InputSchema map[string]any
		// Server names the MCP server the tool came from.
		Server string

		compiled *jsonschema.Schema
	}

	// Toolkit is an immutable snapshot of the tools bound to an agent. The
	// runtime swaps whole toolkits on refresh; callers never mutate one.
	Toolkit struct {
		tools  []Tool
		byName map[string]*Tool
	}
)

// NewToolkit builds a toolkit from discovered tools, compiling each input
// schema once. A tool whose schema does not compile is kept without
// validation rather than dropped: the server may still accept the call.
func NewToolkit(tools []Tool) *Toolkit {
	kit := &Toolkit{byName: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if len(t.InputSchema) > 0 {
			t.compiled, _ = compileSchema(t.InputSchema)
		}
		kit.tools = append(kit.tools, t)
		kit.byName[t.Name] = &kit.tools[len(kit.tools)-1]
	}
	sort.Slice(kit.tools, func(i, j int) bool { return kit.tools[i].Name < kit.tools[j].Name })
	// Re-point after the sort moved entries.
	for i := range kit.tools {
		kit.byName[kit.tools[i].Name] = &kit.tools[i]
	}
	return kit
}

// Len returns the number of bound tools.
func (k *Toolkit) Len() int {
	if k == nil {
		return 0
	}
	return len(k.tools)
}

// Has reports whether the toolkit binds the named tool.
func (k *Toolkit) Has(name string) bool {
	if k == nil {
		return false
	}
	_, ok := k.byName[name]
	return ok
}

// Server returns the server owning the named tool.
func (k *Toolkit) Server(name string) (string, bool) {
	if k == nil {
		return "", false
	}
	t, ok := k.byName[name]
	if !ok {
		return "", false
	}
	return t.Server, true
}

// Definitions returns the tool schemas in the normalized model format, name
// order.
func (k *Toolkit) Definitions() []model.ToolDefinition {
	if k == nil {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(k.tools))
	for _, t := range k.tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// ValidateArgs checks tool arguments against the compiled input schema.
// A validation failure is a tool error the model can correct, not a
// transport fault.
func (k *Toolkit) ValidateArgs(name string, args map[string]any) error {
	if k == nil {
		return fmt.Errorf("tool %q: %w", name, ErrToolNotBound)
	}
	t, ok := k.byName[name]
	if !ok {
		return fmt.Errorf("tool %q: %w", name, ErrToolNotBound)
	}
	if t.compiled == nil {
		return nil
	}
	if err := t.compiled.Validate(normalizeJSON(args)); err != nil {
		return fmt.Errorf("tool %q arguments: %w", name, err)
	}
	return nil
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", normalizeJSON(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// normalizeJSON round-trips a value through encoding/json so the validator
// sees the canonical decoded form regardless of how the value was built.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
