package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/policy"
)

// ErrCallDeadline is the cancellation cause callers attach to a per-call
// deadline with context.WithTimeoutCause. Expiry of such a deadline counts
// as an adapter timeout against the breaker.
var ErrCallDeadline = errors.New("adapter call deadline exceeded")

// Guard runs adapter calls through the adapter's breaker with retry.
type Guard struct {
	breakers *Registry
	retry    RetryConfig
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a guard over the breaker registry.
func NewGuard(breakers *Registry, retry RetryConfig, opts ...GuardOption) *Guard {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	g := &Guard{
		breakers: breakers,
		retry:    retry,
		logger:   slog.Default(),
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breakers returns the underlying registry.
func (g *Guard) Breakers() *Registry {
	return g.breakers
}

// Call performs one logical adapter call. It returns the response, the
// number of attempts made and the last error.
//
// A CircuitOpen rejection is returned immediately without calling the
// adapter and without retry. Malformed responses are returned without retry
// and leave the breaker untouched; any partial response carrying the raw
// output is passed through alongside the error. Only availability errors count as
// breaker failures. A per-call deadline tagged with ErrCallDeadline is an
// AdapterTimeout failure; any other cancellation belongs to the caller,
// leaves the breaker untouched and returns ctx.Err().
func (g *Guard) Call(ctx context.Context, adapter llm.Adapter, prompt string, params llm.Parameters) (*policy.ModelResponse, int, error) {
	id := adapter.ID()
	breaker := g.breakers.Breaker(id)

	var lastErr error
	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}

		ticket, err := breaker.Allow()
		if err != nil {
			return nil, attempt - 1, err
		}

		resp, err := adapter.Generate(ctx, prompt, params)
		if err == nil {
			breaker.Record(ticket, OutcomeSuccess)
			return resp, attempt, nil
		}

		if ctx.Err() != nil {
			if callDeadlineExpired(ctx) {
				breaker.Record(ticket, OutcomeFailure)
				return nil, attempt, llm.Timeout(id, fmt.Errorf("%w: %w", context.Cause(ctx), ctx.Err()))
			}
			breaker.Record(ticket, OutcomeIgnored)
			return nil, attempt, ctx.Err()
		}

		kind := policy.KindOf(err)
		if kind == "" {
			err = llm.Unavailable(id, err)
			kind = policy.KindAdapterUnavailable
		}
		if !kind.Availability() {
			breaker.Record(ticket, OutcomeIgnored)
			return resp, attempt, err
		}
		breaker.Record(ticket, OutcomeFailure)
		lastErr = err

		if attempt < g.retry.MaxAttempts {
			backoff := g.retry.Backoff(attempt)
			g.logger.Debug("Adapter call failed, retrying",
				"adapter_id", id,
				"attempt", attempt,
				"max_attempts", g.retry.MaxAttempts,
				"backoff", backoff,
				"error", err)

			if err := g.sleep(ctx, backoff); err != nil {
				return nil, attempt, err
			}
		}
	}

	return nil, g.retry.MaxAttempts, lastErr
}

func callDeadlineExpired(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(context.Cause(ctx), ErrCallDeadline)
}
