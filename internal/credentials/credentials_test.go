package credentials

import (
	"path/filepath"
	"testing"

	"github.com/hal9999/hal/internal/store"
)

func testOracle(t *testing.T) *Oracle {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewOracle(s)
}

func TestEnvWinsOverStore(t *testing.T) {
	o := testOracle(t)
	if err := o.Set(KeyGithubToken, "stored"); err != nil {
		t.Fatalf("set: %v", err)
	}
	t.Setenv(KeyGithubToken, "from-env")

	if got := o.Get(KeyGithubToken); got != "from-env" {
		t.Fatalf("got %q, want env value", got)
	}
}

func TestStoreFallback(t *testing.T) {
	o := testOracle(t)
	t.Setenv(KeyAnthropicAPIKey, "")
	if err := o.Set(KeyAnthropicAPIKey, "stored"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := o.Get(KeyAnthropicAPIKey); got != "stored" {
		t.Fatalf("got %q, want stored value", got)
	}

	if err := o.Unset(KeyAnthropicAPIKey); err != nil {
		t.Fatalf("unset: %v", err)
	}
	if got := o.Get(KeyAnthropicAPIKey); got != "" {
		t.Fatalf("unset key still resolves: %q", got)
	}
}

func TestGetAllSkipsUnset(t *testing.T) {
	o := testOracle(t)
	t.Setenv(KeyOpenAIAPIKey, "")
	t.Setenv(KeyGithubToken, "tok")

	got := o.GetAll(KeyGithubToken, KeyOpenAIAPIKey)
	if len(got) != 1 || got[KeyGithubToken] != "tok" {
		t.Fatalf("got %v", got)
	}
}
