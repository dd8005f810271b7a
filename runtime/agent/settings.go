package agent

import (
	"fmt"
	"regexp"
	"time"
)

// Kind discriminates plain agents from leaders.
type Kind string

const (
	// KindAgent is a single prompt/tool loop agent.
	KindAgent Kind = "agent"
	// KindLeader coordinates a crew of sub-agents.
	KindLeader Kind = "leader"
)

// FieldType enumerates the tuning value types exposed to the UI.
type FieldType string

const (
	// FieldPrompt is a multi-line prompt template.
	FieldPrompt FieldType = "prompt"
	// FieldText is a single-line text value.
	FieldText FieldType = "text"
	// FieldInteger is an integer value.
	FieldInteger FieldType = "integer"
	// FieldBoolean is a boolean value.
	FieldBoolean FieldType = "boolean"
)

type (
	// Settings is the declarative definition of an agent. Name is the
	// identity key across the static catalog and the persisted store.
	Settings struct {
		Name      string      `json:"name" yaml:"name"`
		Enabled   bool        `json:"enabled" yaml:"enabled"`
		ClassName string      `json:"class_name,omitempty" yaml:"class_name,omitempty"`
		Kind      Kind        `json:"kind" yaml:"kind"`
		Tuning    Tuning      `json:"tuning" yaml:"tuning"`
		Chat      ChatOptions `json:"chat" yaml:"chat"`
		// Crew lists the member agent names. Leaders only.
		Crew []string `json:"crew,omitempty" yaml:"crew,omitempty"`
	}

	// Tuning is the schema plus the user-editable values of an agent. The
	// field list is the schema; Values holds the current state keyed by
	// FieldSpec.Key.
	Tuning struct {
		Fields     []FieldSpec    `json:"fields" yaml:"fields"`
		Values     map[string]any `json:"values,omitempty" yaml:"values,omitempty"`
		MCPServers []string       `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	}

	// FieldSpec describes one tunable field.
	FieldSpec struct {
		Key         string    `json:"key" yaml:"key"`
		Type        FieldType `json:"type" yaml:"type"`
		Required    bool      `json:"required" yaml:"required"`
		Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
		Label       string    `json:"label,omitempty" yaml:"label,omitempty"`
		Placeholder string    `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	}

	// ChatOptions carries per-agent chat UX options.
	ChatOptions struct {
		Greeting        string `json:"greeting,omitempty" yaml:"greeting,omitempty"`
		ShowThoughts    bool   `json:"show_thoughts" yaml:"show_thoughts"`
		AllowAttachments bool  `json:"allow_attachments" yaml:"allow_attachments"`
	}
)

// SystemPromptKey is the tuning key holding the agent's system prompt.
const SystemPromptKey = "prompts.system"

// Validate checks structural integrity of the settings. Crew referential
// integrity is the catalog's concern; this only checks shape.
func (s *Settings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("agent settings: name is required")
	}
	switch s.Kind {
	case KindAgent, KindLeader:
	case "":
		return fmt.Errorf("agent %q: kind is required", s.Name)
	default:
		return fmt.Errorf("agent %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.Kind == KindLeader && len(s.Crew) == 0 {
		return fmt.Errorf("leader %q: crew must not be empty", s.Name)
	}
	if s.Kind == KindAgent && len(s.Crew) > 0 {
		return fmt.Errorf("agent %q: crew is only valid for leaders", s.Name)
	}
	for _, f := range s.Tuning.Fields {
		switch f.Type {
		case FieldPrompt, FieldText, FieldInteger, FieldBoolean:
		default:
			return fmt.Errorf("agent %q: field %q has unknown type %q", s.Name, f.Key, f.Type)
		}
	}
	return nil
}

// StringValue returns the tuned value for key, falling back to the field
// default, then to empty.
func (t Tuning) StringValue(key string) string {
	if v, ok := t.Values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	for _, f := range t.Fields {
		if f.Key == key {
			if s, ok := f.Default.(string); ok {
				return s
			}
			break
		}
	}
	return ""
}

// BoolValue returns the tuned boolean for key, falling back to the field
// default, then false.
func (t Tuning) BoolValue(key string) bool {
	if v, ok := t.Values[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	for _, f := range t.Fields {
		if f.Key == key {
			if b, ok := f.Default.(bool); ok {
				return b
			}
			break
		}
	}
	return false
}

var tokenPattern = regexp.MustCompile(`\{[a-z_]+\}`)

// TokenVars builds the substitution map for prompt rendering. Today is
// rendered in UTC so prompts are stable across serving nodes.
func TokenVars(rc *RuntimeContext, agentName string) map[string]string {
	vars := map[string]string{
		"today":      time.Now().UTC().Format("2006-01-02"),
		"agent_name": agentName,
	}
	if rc != nil {
		vars["user_id"] = rc.UserID
	}
	return vars
}

// RenderTokens substitutes known {placeholder} tokens and leaves unknown ones
// literal. Rendering is idempotent over inputs with no known placeholders.
func RenderTokens(text string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		key := tok[1 : len(tok)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		return tok
	})
}
