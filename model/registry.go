// Package model describes the set of model backends the ensemble consults.
// Each endpoint becomes one adapter; the registry keeps their priority order
// and aggregation weights.
package model

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EndpointConfig defines one model backend.
type EndpointConfig struct {
	// ID is the adapter identity used in responses, breakers and audit records.
	ID string `json:"id" yaml:"id"`

	// Provider is the wire format (anthropic, ollama, openai).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens caps the completion length.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// Priority breaks ranking ties; lower wins.
	Priority int `json:"priority" yaml:"priority"`

	// Weight scales this adapter's contribution to blended aggregates.
	// Zero is treated as 1.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`

	// Timeout bounds a single call. Zero uses the ensemble's adapter timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Disabled removes the endpoint from the adapter set without deleting it.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// EffectiveWeight returns Weight, or 1 when unset.
func (e EndpointConfig) EffectiveWeight() float64 {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}

// Registry holds the configured adapter set.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointConfig
}

// NewRegistry builds a registry, rejecting duplicate or empty ids.
func NewRegistry(endpoints []EndpointConfig) (*Registry, error) {
	r := &Registry{endpoints: make(map[string]*EndpointConfig, len(endpoints))}
	for i := range endpoints {
		ep := endpoints[i]
		if ep.ID == "" {
			return nil, fmt.Errorf("endpoint %d: id is required", i)
		}
		if _, dup := r.endpoints[ep.ID]; dup {
			return nil, fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}
		r.endpoints[ep.ID] = &ep
	}
	return r, nil
}

// GetEndpoint returns a copy of the endpoint config, or nil if unknown.
func (r *Registry) GetEndpoint(id string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil
	}
	cp := *ep
	return &cp
}

// Ordered returns enabled endpoints sorted by priority, then id.
func (r *Registry) Ordered() []EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EndpointConfig, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.Disabled {
			continue
		}
		out = append(out, *ep)
	}
	sortEndpoints(out)
	return out
}

func sortEndpoints(eps []EndpointConfig) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Priority != eps[j].Priority {
			return eps[i].Priority < eps[j].Priority
		}
		return eps[i].ID < eps[j].ID
	})
}

// IDs returns enabled endpoint ids in priority order.
func (r *Registry) IDs() []string {
	ordered := r.Ordered()
	ids := make([]string, len(ordered))
	for i, ep := range ordered {
		ids[i] = ep.ID
	}
	return ids
}

// Priority returns the endpoint's priority, or a value after every
// configured endpoint when unknown.
func (r *Registry) Priority(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ep, ok := r.endpoints[id]; ok {
		return ep.Priority
	}
	return int(^uint(0) >> 1)
}

// Weight returns the endpoint's effective aggregation weight.
func (r *Registry) Weight(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ep, ok := r.endpoints[id]; ok {
		return ep.EffectiveWeight()
	}
	return 1
}

// Len returns the number of enabled endpoints.
func (r *Registry) Len() int {
	return len(r.Ordered())
}

// SetDisabled toggles an endpoint's membership in the adapter set.
func (r *Registry) SetDisabled(id string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return fmt.Errorf("unknown endpoint %q", id)
	}
	ep.Disabled = disabled
	return nil
}
