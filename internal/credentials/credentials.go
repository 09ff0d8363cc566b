// Package credentials is the key/value oracle for secrets the orchestrator
// forwards to agent VMs (API tokens, git credentials). The process
// environment wins over the persistent store, so an operator can override a
// stored token for one invocation without touching the database.
package credentials

import (
	"errors"
	"os"

	"github.com/hal9999/hal/internal/store"
)

// Known credential keys. The core treats them as opaque; the wrapper decides
// which ones to ship to the VM.
const (
	KeyGithubToken      = "GITHUB_TOKEN"
	KeyAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	KeyClaudeOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"
	KeyOpenAIAPIKey     = "OPENAI_API_KEY"
	KeyDOAPIToken       = "DO_API_TOKEN"
)

// Oracle resolves credentials with env-over-store precedence.
type Oracle struct {
	store *store.Store
}

// NewOracle builds an oracle backed by the store's config table.
func NewOracle(s *store.Store) *Oracle {
	return &Oracle{store: s}
}

// Get returns the credential value, or "" when unset anywhere.
func (o *Oracle) Get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if o.store == nil {
		return ""
	}
	v, err := o.store.GetConfigValue(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return ""
		}
		return ""
	}
	return v
}

// Set persists a credential in the store.
func (o *Oracle) Set(key, value string) error {
	return o.store.SetConfigValue(key, value)
}

// Unset removes a credential from the store. The environment is untouched.
func (o *Oracle) Unset(key string) error {
	return o.store.DeleteConfigValue(key)
}

// GetAll resolves several keys at once, skipping unset ones.
func (o *Oracle) GetAll(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, k := range keys {
		if v := o.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}
