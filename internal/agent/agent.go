// Package agent describes the coding agents the orchestrator can launch on
// a VM. The orchestrator core only consumes this contract: a command
// template, an optional idempotent install script, the credential keys the
// agent needs, and its wall-clock budget.
package agent

import (
	"strings"
	"time"
)

// Placeholders substituted into the command templates.
const (
	PlaceholderContext = "{{context}}"
	PlaceholderWorkdir = "{{workdir}}"
)

// Config describes one agent.
type Config struct {
	Name string `yaml:"name"`
	// Command is a shell template; {{context}} and {{workdir}} are replaced
	// before execution.
	Command string `yaml:"command"`
	// InstallScript is run once during setup when non-empty. It must be
	// idempotent; the convention is to guard with `command -v <tool>`.
	InstallScript string `yaml:"install_script,omitempty"`
	// EnvKeys lists the credential keys forwarded to the wrapper.
	EnvKeys []string `yaml:"env_keys,omitempty"`
	// Timeout is the agent wall-clock budget (default 10 minutes).
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// SupportsPlanFirst enables the two-phase plan/execute variant.
	SupportsPlanFirst bool `yaml:"supports_plan_first,omitempty"`
}

// DefaultTimeout is the agent wall-clock budget when unset.
const DefaultTimeout = 600 * time.Second

// BuildCommand renders the command template for a context and workdir. The
// context is passed through shell single-quoting.
func (c *Config) BuildCommand(context, workdir string) string {
	cmd := strings.ReplaceAll(c.Command, PlaceholderContext, shellQuote(context))
	cmd = strings.ReplaceAll(cmd, PlaceholderWorkdir, workdir)
	return cmd
}

// EffectiveTimeout returns the configured timeout or the default.
func (c *Config) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// shellQuote single-quotes s for POSIX sh, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
