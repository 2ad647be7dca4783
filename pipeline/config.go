package pipeline

import (
	"fmt"
	"time"

	"github.com/c360studio/semgov/policy"
)

// Config bounds a governance transaction.
type Config struct {
	// Strategy is passed to the ensemble; empty uses the ensemble default.
	Strategy policy.Strategy `json:"strategy" yaml:"strategy"`

	// TransactionTimeout is the overall deadline of one transaction.
	TransactionTimeout time.Duration `json:"transaction_timeout" yaml:"transaction_timeout"`

	// CompileConflictRetries is how many times a transaction re-reads the
	// chain head and recompiles after losing a race on its domain.
	CompileConflictRetries int `json:"compile_conflict_retries" yaml:"compile_conflict_retries"`

	// ConflictBackoff is the base wait before a recompile. It doubles per
	// retry.
	ConflictBackoff time.Duration `json:"conflict_backoff" yaml:"conflict_backoff"`

	// PublishAttempts bounds activation event delivery after commit.
	PublishAttempts int           `json:"publish_attempts" yaml:"publish_attempts"`
	PublishTimeout  time.Duration `json:"publish_timeout" yaml:"publish_timeout"`

	// MaxConcurrentTransactions limits RunBatch.
	MaxConcurrentTransactions int `json:"max_concurrent_transactions" yaml:"max_concurrent_transactions"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TransactionTimeout:        2 * time.Minute,
		CompileConflictRetries:    3,
		ConflictBackoff:           50 * time.Millisecond,
		PublishAttempts:           3,
		PublishTimeout:            10 * time.Second,
		MaxConcurrentTransactions: 4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Strategy != "" {
		if _, err := policy.ParseStrategy(string(c.Strategy)); err != nil {
			return err
		}
	}
	if c.TransactionTimeout <= 0 {
		return fmt.Errorf("transaction_timeout must be positive")
	}
	if c.CompileConflictRetries < 0 {
		return fmt.Errorf("compile_conflict_retries must not be negative")
	}
	if c.ConflictBackoff < 0 {
		return fmt.Errorf("conflict_backoff must not be negative")
	}
	if c.PublishAttempts < 1 {
		return fmt.Errorf("publish_attempts must be at least 1")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be positive")
	}
	if c.MaxConcurrentTransactions < 1 {
		return fmt.Errorf("max_concurrent_transactions must be at least 1")
	}
	return nil
}
