package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownProvider = errors.New("unknown pricing provider")
	ErrUnpricedModel   = errors.New("model has no pricing")
)

// Registry holds the pricing tables the enrichment path may bill against.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]Provider)}
}

// Register adds p. Each provider name may be registered once.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[p.Name()]; exists {
		return fmt.Errorf("pricing for %q already registered", p.Name())
	}
	r.tables[p.Name()] = p
	return nil
}

// Get returns the pricing table for name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Resolve returns the table for provider after checking it prices model. An empty
// provider is inferred from the model.
func (r *Registry) Resolve(provider, model string) (Provider, error) {
	if provider == "" {
		return r.FindProviderForModel(model)
	}
	p, err := r.Get(provider)
	if err != nil {
		return nil, err
	}
	if !p.SupportsModel(model) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnpricedModel, provider, model)
	}
	return p, nil
}

// List returns the registered provider names in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every table ordered by provider name.
func (r *Registry) All() []Provider {
	names := r.List()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		out = append(out, r.tables[name])
	}
	return out
}

// FindProviderForModel returns the first provider, by name, that prices model.
func (r *Registry) FindProviderForModel(model string) (Provider, error) {
	for _, p := range r.All() {
		if p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnpricedModel, model)
}
