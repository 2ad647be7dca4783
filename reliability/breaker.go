// Package reliability wraps adapter calls in per-adapter circuit breakers
// and bounded retry with exponential backoff.
package reliability

import (
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semgov/policy"
)

// Clock supplies the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// BreakerConfig configures the circuit breaker state machine.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive availability failures
	// that opens a closed circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long an open circuit rejects calls before it
	// admits trial calls.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// SuccessThreshold is the success streak that closes a half-open circuit.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		HalfOpenMaxCalls: 3,
	}
}

// Validate checks the configuration.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive")
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be at least 1")
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be at least 1")
	}
	return nil
}

// Outcome is the result of an admitted call as seen by the breaker.
type Outcome int

const (
	// OutcomeSuccess resets the failure streak.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is an availability failure.
	OutcomeFailure
	// OutcomeIgnored releases the admission without touching counters.
	// Malformed responses and caller cancellation report this.
	OutcomeIgnored
)

// StateObserver is notified after every transition, outside the breaker lock.
type StateObserver func(adapterID string, from, to policy.CircuitStatus)

// Ticket records the breaker epoch a call was admitted in. Outcomes from an
// earlier epoch are discarded so late results cannot skew a newer state.
type Ticket struct {
	epoch    uint64
	halfOpen bool
}

// Breaker is the circuit breaker for one adapter. All methods are safe for
// concurrent use; each read-modify-write happens under a single lock.
type Breaker struct {
	adapterID string
	config    BreakerConfig
	clock     Clock
	observer  StateObserver

	mu        sync.Mutex
	status    policy.CircuitStatus
	failures  int
	successes int
	openedAt  time.Time
	inFlight  int
	epoch     uint64
}

// NewBreaker creates a closed breaker. A nil clock uses the system clock.
func NewBreaker(adapterID string, cfg BreakerConfig, clock Clock, observer StateObserver) *Breaker {
	if clock == nil {
		clock = systemClock{}
	}
	return &Breaker{
		adapterID: adapterID,
		config:    cfg,
		clock:     clock,
		observer:  observer,
		status:    policy.CircuitClosed,
	}
}

// Allow admits a call or fails fast with a CircuitOpen error. An open
// circuit moves to half-open once strictly more than RecoveryTimeout has
// elapsed since it opened.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	from := b.status

	if b.status == policy.CircuitOpen && b.clock.Now().Sub(b.openedAt) > b.config.RecoveryTimeout {
		b.transition(policy.CircuitHalfOpen)
	}

	var (
		ticket Ticket
		err    error
	)
	switch b.status {
	case policy.CircuitOpen:
		err = b.openError("circuit open since %s", b.openedAt.Format(time.RFC3339))
	case policy.CircuitHalfOpen:
		if b.inFlight >= b.config.HalfOpenMaxCalls {
			err = b.openError("half-open trial limit %d reached", b.config.HalfOpenMaxCalls)
			break
		}
		b.inFlight++
		ticket = Ticket{epoch: b.epoch, halfOpen: true}
	default:
		ticket = Ticket{epoch: b.epoch}
	}
	to := b.status
	b.mu.Unlock()

	b.notify(from, to)
	return ticket, err
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(t Ticket, outcome Outcome) {
	b.mu.Lock()
	from := b.status

	if t.epoch != b.epoch {
		b.mu.Unlock()
		return
	}
	if t.halfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	switch outcome {
	case OutcomeSuccess:
		switch b.status {
		case policy.CircuitClosed:
			b.failures = 0
		case policy.CircuitHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transition(policy.CircuitClosed)
			}
		}
	case OutcomeFailure:
		switch b.status {
		case policy.CircuitClosed:
			b.failures++
			if b.failures >= b.config.FailureThreshold {
				b.transition(policy.CircuitOpen)
			}
		case policy.CircuitHalfOpen:
			b.failures++
			b.transition(policy.CircuitOpen)
		}
	}
	to := b.status
	b.mu.Unlock()

	b.notify(from, to)
}

// transition must be called with mu held.
func (b *Breaker) transition(to policy.CircuitStatus) {
	b.status = to
	b.epoch++
	b.inFlight = 0
	switch to {
	case policy.CircuitOpen:
		b.openedAt = b.clock.Now()
		b.successes = 0
	case policy.CircuitHalfOpen:
		b.successes = 0
	case policy.CircuitClosed:
		b.failures = 0
		b.successes = 0
		b.openedAt = time.Time{}
	}
}

func (b *Breaker) notify(from, to policy.CircuitStatus) {
	if from != to && b.observer != nil {
		b.observer(b.adapterID, from, to)
	}
}

func (b *Breaker) openError(format string, args ...any) error {
	return &policy.Error{
		Kind:      policy.KindCircuitOpen,
		AdapterID: b.adapterID,
		Err:       fmt.Errorf(format, args...),
	}
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() policy.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return policy.CircuitState{
		AdapterID:            b.adapterID,
		Status:               b.status,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
	}
}

// Status returns the current position without advancing it.
func (b *Breaker) Status() policy.CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.status
	b.transition(policy.CircuitClosed)
	b.mu.Unlock()
	b.notify(from, policy.CircuitClosed)
}
