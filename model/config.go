package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the JSON form of the adapter set, as served by the
// API and accepted by LoadFromJSON.
type RegistryConfig struct {
	Endpoints []EndpointConfig `json:"endpoints"`
}

// LoadFromFile loads a registry from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON accepts either {"adapters": {...}} or a bare RegistryConfig.
func LoadFromJSON(data []byte) (*Registry, error) {
	var wrapped struct {
		Adapters *RegistryConfig `json:"adapters"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Adapters != nil {
		return NewRegistry(wrapped.Adapters.Endpoints)
	}

	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}
	return NewRegistry(cfg.Endpoints)
}

// ToConfig returns every endpoint, disabled ones included, in priority order.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	all := make([]EndpointConfig, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		all = append(all, *ep)
	}
	r.mu.RUnlock()

	sortEndpoints(all)
	return &RegistryConfig{Endpoints: all}
}
