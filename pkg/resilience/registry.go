package resilience

import (
	"sort"
	"sync"
)

// Registry hands out one CircuitBreaker per name, creating them on first use.
type Registry struct {
	config BreakerConfig
	opts   []BreakerOption

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers share config and opts.
func NewRegistry(config BreakerConfig, opts ...BreakerOption) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.config, r.opts...)
		r.breakers[name] = cb
	}
	return cb
}

// Reset closes the named breaker. It reports false when no such breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	all := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		all = append(all, cb)
	}
	r.mu.Unlock()
	for _, cb := range all {
		cb.Reset()
	}
}

// Snapshots returns every breaker's state, ordered by name.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	all := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		all = append(all, cb)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(all))
	for _, cb := range all {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
