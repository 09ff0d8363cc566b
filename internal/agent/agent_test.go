package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildCommandSubstitution(t *testing.T) {
	c := &Config{Command: "claude -p {{context}} --cwd {{workdir}}"}
	got := c.BuildCommand("fix the bug", "/workspace/widgets")
	want := "claude -p 'fix the bug' --cwd /workspace/widgets"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildCommandQuotesSingleQuotes(t *testing.T) {
	c := &Config{Command: "run {{context}}"}
	got := c.BuildCommand("it's broken", "/w")
	if got != `run 'it'\''s broken'` {
		t.Fatalf("got %q", got)
	}
}

func TestEffectiveTimeout(t *testing.T) {
	c := &Config{}
	if c.EffectiveTimeout() != DefaultTimeout {
		t.Fatalf("zero timeout not defaulted: %s", c.EffectiveTimeout())
	}
	c.Timeout = time.Minute
	if c.EffectiveTimeout() != time.Minute {
		t.Fatalf("explicit timeout ignored: %s", c.EffectiveTimeout())
	}
}

func TestCatalogBuiltins(t *testing.T) {
	c, err := NewCatalog("")
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	claude, err := c.Get("claude")
	if err != nil {
		t.Fatalf("get claude: %v", err)
	}
	if !claude.SupportsPlanFirst {
		t.Fatal("claude should support plan-first")
	}
	if _, err := c.Get(""); err != nil {
		t.Fatalf("empty name should resolve default: %v", err)
	}
	if _, err := c.Get("nonexistent"); err == nil {
		t.Fatal("unknown agent resolved")
	}
}

func TestCatalogFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	yaml := `agents:
  - name: claude
    command: "my-claude {{context}}"
    timeout_s: 120
  - name: aider
    command: "aider --message {{context}}"
    env_keys: [OPENAI_API_KEY]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := NewCatalog(path)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	claude, _ := c.Get("claude")
	if claude.Command != "my-claude {{context}}" {
		t.Fatalf("builtin not overridden: %q", claude.Command)
	}
	if claude.Timeout != 2*time.Minute {
		t.Fatalf("timeout_s not applied: %s", claude.Timeout)
	}
	aider, err := c.Get("aider")
	if err != nil {
		t.Fatalf("custom agent missing: %v", err)
	}
	if len(aider.EnvKeys) != 1 || aider.EnvKeys[0] != "OPENAI_API_KEY" {
		t.Fatalf("env keys = %v", aider.EnvKeys)
	}
}

func TestCatalogMissingFileIsFine(t *testing.T) {
	if _, err := NewCatalog("/nonexistent/agents.yaml"); err != nil {
		t.Fatalf("missing catalog file should not error: %v", err)
	}
}
