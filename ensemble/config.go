package ensemble

import (
	"fmt"
	"time"

	"github.com/c360studio/semgov/policy"
)

// Weights assigns a ranking weight to each scoring dimension.
type Weights map[policy.Dimension]float64

// DefaultWeights favours constitutional alignment and gives latency a small
// say in ranking.
func DefaultWeights() Weights {
	return Weights{
		policy.DimensionAccuracy:                0.3,
		policy.DimensionConstitutionalAlignment: 0.4,
		policy.DimensionBiasMitigation:          0.2,
		policy.DimensionLatency:                 0.1,
	}
}

// Config configures the coordinator.
type Config struct {
	// Strategy is used when the caller does not name one.
	Strategy policy.Strategy `json:"strategy" yaml:"strategy"`

	// MinQuorum is the minimum number of usable responses.
	MinQuorum int `json:"min_quorum" yaml:"min_quorum"`

	// ComplianceThreshold is the lowest aggregate compliance a candidate
	// may carry.
	ComplianceThreshold float64 `json:"compliance_threshold" yaml:"compliance_threshold"`

	// Deadline bounds the whole fan-out. Responses arriving later are
	// discarded.
	Deadline time.Duration `json:"deadline" yaml:"deadline"`

	Weights Weights `json:"weights" yaml:"weights"`

	// Temperature is passed to every adapter. Nil leaves the backend default.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:            policy.StrategyWeightedMax,
		MinQuorum:           2,
		ComplianceThreshold: 0.95,
		Deadline:            45 * time.Second,
		Weights:             DefaultWeights(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := policy.ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.MinQuorum < 1 {
		return fmt.Errorf("min_quorum must be at least 1")
	}
	if c.ComplianceThreshold < 0 || c.ComplianceThreshold > 1 {
		return fmt.Errorf("compliance_threshold %v outside [0,1]", c.ComplianceThreshold)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("deadline must be positive")
	}

	var total float64
	for dim, w := range c.Weights {
		if !knownDimension(dim) {
			return fmt.Errorf("unknown weight dimension %q", dim)
		}
		if w < 0 {
			return fmt.Errorf("weight for %s must not be negative", dim)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("at least one dimension weight must be positive")
	}
	return nil
}

func knownDimension(d policy.Dimension) bool {
	for _, known := range policy.Dimensions() {
		if d == known {
			return true
		}
	}
	return false
}
