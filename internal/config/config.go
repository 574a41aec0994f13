// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"time"

	"github.com/quayside/ferry/internal/mcp"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server" json:"server"`
	Security  SecurityConfig      `yaml:"security" json:"security"`
	Providers ProvidersConfig     `yaml:"providers" json:"providers"`
	Routing   RoutingConfig       `yaml:"routing" json:"routing"`
	Approval  ApprovalConfig      `yaml:"approval" json:"approval"`
	Servers   []*mcp.ServerConfig `yaml:"tool_servers" json:"tool_servers"`
	Store     StoreConfig         `yaml:"store" json:"store"`
	Jobs      []JobConfig         `yaml:"jobs" json:"jobs"`
	Logging   LoggingConfig       `yaml:"logging" json:"logging"`
}

// ServerConfig configures the listening surface.
type ServerConfig struct {
	Listen      string `yaml:"listen" json:"listen"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

// SecurityConfig bounds what tools may touch.
type SecurityConfig struct {
	Mode      string `yaml:"mode" json:"mode"` // full-control | limited-control
	Workspace string `yaml:"workspace" json:"workspace"`
}

// ProvidersConfig holds model provider credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic" json:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai" json:"openai"`
}

// ProviderConfig is one provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// RoutingConfig maps tiers to model lists. The first model of a tier
// is the routed choice; the rest are manual-override alternatives.
type RoutingConfig struct {
	Tiers map[string][]string `yaml:"tiers" json:"tiers"`
}

// ApprovalConfig sets the gating defaults for new connections.
type ApprovalConfig struct {
	DefaultTier    string            `yaml:"default_tier" json:"default_tier"`
	Overrides      map[string]string `yaml:"overrides" json:"overrides"`
	TimeoutSeconds int               `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns the configured approval timeout.
func (c ApprovalConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"` // memory | sqlite
	Path   string `yaml:"path" json:"path"`
}

// JobConfig is one scheduled unattended job.
type JobConfig struct {
	Name     string `yaml:"name" json:"name"`
	Schedule string `yaml:"schedule" json:"schedule"` // cron expression
	Tool     string `yaml:"tool" json:"tool"`
	Input    string `yaml:"input" json:"input"` // JSON object
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug | info | warn | error
	Format string `yaml:"format" json:"format"` // text | json
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      "127.0.0.1:8790",
			MetricsPath: "/metrics",
		},
		Security: SecurityConfig{
			Mode:      "full-control",
			Workspace: ".",
		},
		Routing: RoutingConfig{
			Tiers: map[string][]string{
				"high":     {"anthropic/claude-opus-4-1", "anthropic/claude-sonnet-4-5"},
				"standard": {"anthropic/claude-sonnet-4-5", "openai/gpt-4o"},
				"budget":   {"anthropic/claude-3-5-haiku-latest", "openai/gpt-4o-mini"},
			},
		},
		Approval: ApprovalConfig{
			DefaultTier:    "session",
			TimeoutSeconds: 60,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Security.Mode {
	case "full-control", "limited-control":
	default:
		return fmt.Errorf("security.mode must be full-control or limited-control, got %q", c.Security.Mode)
	}

	if len(c.Routing.Tiers["standard"]) == 0 {
		return fmt.Errorf("routing.tiers must configure at least one standard model")
	}

	switch c.Approval.DefaultTier {
	case "auto", "session", "always":
	default:
		return fmt.Errorf("approval.default_tier must be auto, session, or always, got %q", c.Approval.DefaultTier)
	}
	for tool, tier := range c.Approval.Overrides {
		switch tier {
		case "auto", "session", "always":
		default:
			return fmt.Errorf("approval.overrides[%s]: unknown tier %q", tool, tier)
		}
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite driver")
	}

	names := make(map[string]bool, len(c.Servers))
	for _, server := range c.Servers {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("tool_servers: %w", err)
		}
		if names[server.Name] {
			return fmt.Errorf("tool_servers: duplicate server name %q", server.Name)
		}
		names[server.Name] = true
	}

	for i, job := range c.Jobs {
		if job.Name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if job.Schedule == "" {
			return fmt.Errorf("jobs[%d]: schedule is required", i)
		}
		if job.Tool == "" {
			return fmt.Errorf("jobs[%d]: tool is required", i)
		}
	}
	return nil
}
