package provider

import "fmt"

// Registry maps provider kind names to live Provider implementations.
// The set is fixed at startup; an unknown kind in the slot configuration is
// a fatal config error.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given kind→provider map.
func NewRegistry(providers map[string]Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for k, p := range providers {
		m[k] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider for a kind.
func (r *Registry) Get(kind string) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", kind)
	}
	return p, nil
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	return kinds
}
