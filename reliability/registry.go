package reliability

import (
	"sort"
	"sync"

	"github.com/c360studio/semgov/policy"
)

// Registry owns one Breaker per adapter id. Breakers are created lazily
// and shared across transactions.
type Registry struct {
	config   BreakerConfig
	clock    Clock
	observer StateObserver

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock used by every breaker.
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithStateObserver sets the transition observer used by every breaker.
func WithStateObserver(o StateObserver) RegistryOption {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:   cfg,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for adapterID, creating it closed if needed.
func (r *Registry) Breaker(adapterID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[adapterID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[adapterID]; ok {
		return b
	}
	b = NewBreaker(adapterID, r.config, r.clock, r.observer)
	r.breakers[adapterID] = b
	return b
}

// Snapshot returns every known breaker state, sorted by adapter id.
func (r *Registry) Snapshot() []policy.CircuitState {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	states := make([]policy.CircuitState, 0, len(breakers))
	for _, b := range breakers {
		states = append(states, b.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].AdapterID < states[j].AdapterID
	})
	return states
}

// IsOpen reports whether the adapter's circuit currently rejects calls.
func (r *Registry) IsOpen(adapterID string) bool {
	r.mu.RLock()
	b, ok := r.breakers[adapterID]
	r.mu.RUnlock()
	return ok && b.Status() == policy.CircuitOpen
}
