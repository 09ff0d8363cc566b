package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hal9999/hal/internal/credentials"
)

// Catalog holds the known agents. Built-in definitions can be overridden or
// extended by an agents.yaml file.
type Catalog struct {
	agents map[string]*Config
}

// DefaultAgent is used when a task does not name one.
const DefaultAgent = "claude"

func builtins() map[string]*Config {
	return map[string]*Config{
		"claude": {
			Name:    "claude",
			Command: `claude -p --dangerously-skip-permissions ` + PlaceholderContext,
			InstallScript: `command -v claude >/dev/null 2>&1 || ` +
				`curl -fsSL https://claude.ai/install.sh | bash`,
			EnvKeys: []string{
				credentials.KeyAnthropicAPIKey,
				credentials.KeyClaudeOAuthToken,
			},
			Timeout:           DefaultTimeout,
			SupportsPlanFirst: true,
		},
		"codex": {
			Name:    "codex",
			Command: `codex exec --full-auto ` + PlaceholderContext,
			InstallScript: `command -v codex >/dev/null 2>&1 || ` +
				`npm install -g @openai/codex`,
			EnvKeys: []string{credentials.KeyOpenAIAPIKey},
			Timeout: DefaultTimeout,
		},
	}
}

// NewCatalog returns the built-in agents, merged with overrides from path
// when it exists.
func NewCatalog(path string) (*Catalog, error) {
	c := &Catalog{agents: builtins()}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}

	var file struct {
		Agents []struct {
			Config   `yaml:",inline"`
			TimeoutS int `yaml:"timeout_s"`
		} `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	for _, entry := range file.Agents {
		if entry.Name == "" {
			return nil, fmt.Errorf("agent catalog entry missing name")
		}
		cfg := entry.Config
		if entry.TimeoutS > 0 {
			cfg.Timeout = time.Duration(entry.TimeoutS) * time.Second
		}
		c.agents[cfg.Name] = &cfg
	}
	return c, nil
}

// Get returns the agent by name, or the default when name is empty.
func (c *Catalog) Get(name string) (*Config, error) {
	if name == "" {
		name = DefaultAgent
	}
	cfg, ok := c.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return cfg, nil
}

// Names lists the configured agent names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.agents))
	for n := range c.agents {
		names = append(names, n)
	}
	return names
}
