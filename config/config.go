// Package config loads and validates the platform configuration from a single
// YAML file. The file is read once at startup; the resulting Config value is
// treated as read-only afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/runtime/agent"
)

type (
	// Config is the root configuration document.
	Config struct {
		App      App      `yaml:"app"`
		AI       AI       `yaml:"ai"`
		MCP      MCP      `yaml:"mcp"`
		Storage  Storage  `yaml:"storage"`
		Security Security `yaml:"security"`
		Temporal Temporal `yaml:"temporal"`
	}

	// App carries process-level settings.
	App struct {
		BaseURL   string `yaml:"base_url"`
		Address   string `yaml:"address"`
		Port      int    `yaml:"port"`
		LogLevel  string `yaml:"log_level"`
		// RedisAddr enables cross-node stream fan-out when set.
		RedisAddr string `yaml:"redis_addr"`
	}

	// AI configures models and the static agent catalog.
	AI struct {
		DefaultChatModel    string           `yaml:"default_chat_model"`
		MaxConcurrentAgents int              `yaml:"max_concurrent_agents"`
		Agents              []agent.Settings `yaml:"agents"`
		Providers           Providers        `yaml:"providers"`
	}

	// Providers configures the model provider adapters.
	Providers struct {
		OpenAI    ProviderConfig `yaml:"openai"`
		Anthropic ProviderConfig `yaml:"anthropic"`
		// TokensPerMinute budgets the shared model rate limiter. Zero
		// disables rate limiting.
		TokensPerMinute float64 `yaml:"tokens_per_minute"`
	}

	// ProviderConfig holds per-provider credentials and defaults.
	ProviderConfig struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	}

	// MCP carries the global tool-server catalog, read-only after load.
	MCP struct {
		Servers []MCPServer `yaml:"servers"`
	}

	// MCPServer configures one tool server.
	MCPServer struct {
		Name      string        `yaml:"name"`
		Enabled   bool          `yaml:"enabled"`
		Transport string        `yaml:"transport"` // streamable-http | sse | stdio
		Endpoint  string        `yaml:"endpoint"`
		AuthMode  string        `yaml:"auth_mode"` // none | bearer
		Command   string        `yaml:"command,omitempty"`
		Args      []string      `yaml:"args,omitempty"`
		Timeout   time.Duration `yaml:"timeout,omitempty"`
	}

	// Storage selects and configures the persistence backend.
	Storage struct {
		Driver string `yaml:"driver"` // sqlite | postgres
		// DSN is the connection string: a file path (or ":memory:") for
		// sqlite, a postgres URL for pgx.
		DSN string `yaml:"dsn"`
	}

	// Security configures origins and identity providers. Token validation
	// itself is out of the runtime's scope.
	Security struct {
		AuthorizedOrigins []string         `yaml:"authorized_origins"`
		UserIdentity      IdentityProvider `yaml:"user_identity"`
		M2MIdentity       IdentityProvider `yaml:"m2m_identity"`
	}

	// IdentityProvider names an OIDC issuer used by the edge.
	IdentityProvider struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	}

	// Temporal configures the durable workflow engine connection.
	Temporal struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}
)

// Defaults applied when the file omits optional values.
const (
	DefaultPort                = 8085
	DefaultMaxConcurrentAgents = 64
	DefaultTaskQueue           = "loom-delegations"
)

// Load reads, decodes and validates the configuration file at path.
// ${VAR} references are expanded from the environment so credentials can
// stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Port == 0 {
		c.App.Port = DefaultPort
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.AI.MaxConcurrentAgents <= 0 {
		c.AI.MaxConcurrentAgents = DefaultMaxConcurrentAgents
	}
	if c.Temporal.TaskQueue == "" {
		c.Temporal.TaskQueue = DefaultTaskQueue
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
}

// Validate checks cross-field integrity: agent shapes, MCP references and the
// storage driver. Static agents failing validation abort startup.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage: postgres requires a dsn")
	}

	servers := make(map[string]bool, len(c.MCP.Servers))
	for _, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp: server with empty name")
		}
		if servers[s.Name] {
			return fmt.Errorf("mcp: duplicate server %q", s.Name)
		}
		servers[s.Name] = true
		switch s.Transport {
		case "streamable-http", "sse", "stdio":
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport)
		}
	}

	names := make(map[string]bool, len(c.AI.Agents))
	for i := range c.AI.Agents {
		a := &c.AI.Agents[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("ai.agents[%d]: %w", i, err)
		}
		if names[a.Name] {
			return fmt.Errorf("ai.agents: duplicate agent %q", a.Name)
		}
		names[a.Name] = true
		for _, ref := range a.Tuning.MCPServers {
			if !servers[ref] {
				return fmt.Errorf("agent %q references unknown mcp server %q", a.Name, ref)
			}
		}
	}
	return nil
}

// MCPServerByName returns the named server configuration.
func (c *Config) MCPServerByName(name string) (MCPServer, bool) {
	for _, s := range c.MCP.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return MCPServer{}, false
}
