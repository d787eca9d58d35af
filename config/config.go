package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kfaulkner/steward/errors"
	"gopkg.in/yaml.v3"
)

// MCPServer describes how to reach the tool provider. Mode selects the
// transport: "stdio" launches Command and speaks MCP with an initialization
// handshake; "http" posts JSON-RPC to BaseURL without one.
type MCPServer struct {
	Mode    string   `yaml:"mode"`
	BaseURL string   `yaml:"base_url"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Toolset names a subset of discovered tools, selected by glob patterns
// matched against tool names (e.g. "author_*", "get_*").
type Toolset struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Provider string            `yaml:"provider"`
	Model    string            `yaml:"model"`
	Models   map[string]string `yaml:"models"`

	MCP      MCPServer `yaml:"mcp"`
	Toolsets []Toolset `yaml:"toolsets"`

	MaxIterations int `yaml:"max_iterations"`
	ToolTimeout   int `yaml:"tool_timeout_seconds"`
	LLMTimeout    int `yaml:"llm_timeout_seconds"`
	// RetryBudget is a pointer so an explicit 0 ("no retries") is
	// distinguishable from an unset field.
	RetryBudget *int `yaml:"retry_budget"`

	Logging Logging `yaml:"logging"`
}

// Load reads configuration from the user's home directory and the current
// working directory, with the latter taking precedence, then applies
// defaults for anything left unset.
func Load() (*Config, error) {
	cfg := &Config{}

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".steward", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".steward", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "gemini"
	}
	if c.MCP.Mode == "" {
		c.MCP.Mode = "http"
	}
	if c.MCP.BaseURL == "" {
		c.MCP.BaseURL = "http://127.0.0.1:8080"
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60
	}
	if c.RetryBudget == nil {
		one := 1
		c.RetryBudget = &one
	} else if *c.RetryBudget < 0 {
		*c.RetryBudget = 0
	}
}

// Retries returns the transient-failure retry budget per tool call.
func (c *Config) Retries() int {
	if c.RetryBudget == nil {
		return 1
	}
	return *c.RetryBudget
}

// ToolTimeoutDuration returns the per-tool-call timeout.
func (c *Config) ToolTimeoutDuration() time.Duration {
	return time.Duration(c.ToolTimeout) * time.Second
}

// LLMTimeoutDuration returns the per-completion-request timeout.
func (c *Config) LLMTimeoutDuration() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

// ModelFor returns the configured model for a provider, falling back to the
// top-level model, then to a per-provider default.
func (c *Config) ModelFor(provider string) string {
	if m, ok := c.Models[provider]; ok && m != "" {
		return m
	}
	if c.Model != "" {
		return c.Model
	}
	switch provider {
	case "gemini":
		return "gemini-2.5-pro"
	case "openai":
		return "gpt-4o"
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "bedrock":
		return "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	return ""
}

// GetToolset finds a toolset by name. An empty name or a missing toolset
// resolves to "default"; if no default is configured, all discovered tools
// are in scope and GetToolset returns nil.
func (c *Config) GetToolset(name string) *Toolset {
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i]
		}
	}
	if name != "default" {
		return c.GetToolset("default")
	}
	return nil
}
