package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semgov/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		HalfOpenMaxCalls: 2,
	}
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	ticket, err := b.Allow()
	require.NoError(t, err)
	b.Record(ticket, OutcomeFailure)
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	ticket, err := b.Allow()
	require.NoError(t, err)
	b.Record(ticket, OutcomeSuccess)
}

func TestBreaker_OpensAfterExactlyThreshold(t *testing.T) {
	for threshold := 1; threshold <= 6; threshold++ {
		cfg := testBreakerConfig()
		cfg.FailureThreshold = threshold
		b := NewBreaker("a1", cfg, newManualClock(), nil)

		for i := 1; i < threshold; i++ {
			fail(t, b)
			assert.Equal(t, policy.CircuitClosed, b.Status(), "threshold %d after %d failures", threshold, i)
		}
		fail(t, b)
		assert.Equal(t, policy.CircuitOpen, b.Status(), "threshold %d", threshold)
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker("a1", testBreakerConfig(), newManualClock(), nil)

	for i := 0; i < 4; i++ {
		fail(t, b)
	}
	succeed(t, b)
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		fail(t, b)
	}
	assert.Equal(t, policy.CircuitClosed, b.Status())
}

func TestBreaker_IgnoredOutcomeLeavesCounters(t *testing.T) {
	b := NewBreaker("a1", testBreakerConfig(), newManualClock(), nil)

	fail(t, b)
	ticket, err := b.Allow()
	require.NoError(t, err)
	b.Record(ticket, OutcomeIgnored)

	assert.Equal(t, 1, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_RecoveryTimeoutIsStrict(t *testing.T) {
	clock := newManualClock()
	b := NewBreaker("a1", testBreakerConfig(), clock, nil)
	for i := 0; i < 5; i++ {
		fail(t, b)
	}
	openedAt := b.Snapshot().OpenedAt
	assert.Equal(t, clock.Now(), openedAt)

	clock.Advance(60 * time.Second)
	_, err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrCircuitOpen)
	assert.Equal(t, policy.CircuitOpen, b.Status())

	clock.Advance(time.Nanosecond)
	_, err = b.Allow()
	require.NoError(t, err)
	assert.Equal(t, policy.CircuitHalfOpen, b.Status())
}

func TestBreaker_HalfOpenClosesAfterSuccessStreak(t *testing.T) {
	clock := newManualClock()
	b := NewBreaker("a1", testBreakerConfig(), clock, nil)
	for i := 0; i < 5; i++ {
		fail(t, b)
	}
	clock.Advance(61 * time.Second)

	succeed(t, b)
	succeed(t, b)
	assert.Equal(t, policy.CircuitHalfOpen, b.Status())
	assert.Equal(t, 2, b.Snapshot().ConsecutiveSuccesses)

	succeed(t, b)
	state := b.Snapshot()
	assert.Equal(t, policy.CircuitClosed, state.Status)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Equal(t, 0, state.ConsecutiveSuccesses)
	assert.True(t, state.OpenedAt.IsZero())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newManualClock()
	b := NewBreaker("a1", testBreakerConfig(), clock, nil)
	for i := 0; i < 5; i++ {
		fail(t, b)
	}
	clock.Advance(61 * time.Second)

	succeed(t, b)
	fail(t, b)

	state := b.Snapshot()
	assert.Equal(t, policy.CircuitOpen, state.Status)
	assert.Equal(t, clock.Now(), state.OpenedAt)
	assert.Equal(t, 0, state.ConsecutiveSuccesses)

	// The recovery window restarts from the reopen.
	clock.Advance(30 * time.Second)
	_, err := b.Allow()
	assert.ErrorIs(t, err, policy.ErrCircuitOpen)
}

func TestBreaker_HalfOpenTrialLimit(t *testing.T) {
	clock := newManualClock()
	b := NewBreaker("a1", testBreakerConfig(), clock, nil)
	for i := 0; i < 5; i++ {
		fail(t, b)
	}
	clock.Advance(61 * time.Second)

	t1, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	require.NoError(t, err)

	_, err = b.Allow()
	assert.ErrorIs(t, err, policy.ErrCircuitOpen)

	b.Record(t1, OutcomeIgnored)
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreaker_StaleOutcomeDiscarded(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	b := NewBreaker("a1", cfg, newManualClock(), nil)

	early, err := b.Allow()
	require.NoError(t, err)
	fail(t, b)
	require.Equal(t, policy.CircuitOpen, b.Status())

	b.Record(early, OutcomeSuccess)
	assert.Equal(t, policy.CircuitOpen, b.Status())
}

func TestBreaker_Observer(t *testing.T) {
	clock := newManualClock()
	var transitions []string
	observer := func(id string, from, to policy.CircuitStatus) {
		transitions = append(transitions, id+":"+string(from)+"->"+string(to))
	}
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 1
	b := NewBreaker("a1", cfg, clock, observer)

	fail(t, b)
	clock.Advance(61 * time.Second)
	succeed(t, b)

	assert.Equal(t, []string{
		"a1:closed->open",
		"a1:open->half-open",
		"a1:half-open->closed",
	}, transitions)
}

func TestBreaker_ConcurrentFailuresNoLostUpdates(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1000
	b := NewBreaker("a1", cfg, newManualClock(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := b.Allow()
			if err == nil {
				b.Record(ticket, OutcomeFailure)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, b.Snapshot().ConsecutiveFailures)
}

func TestRegistry_IndependentAdapters(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	reg := NewRegistry(cfg, WithClock(newManualClock()))

	a := reg.Breaker("a")
	assert.Same(t, a, reg.Breaker("a"))
	fail(t, a)
	reg.Breaker("b")

	assert.True(t, reg.IsOpen("a"))
	assert.False(t, reg.IsOpen("b"))
	assert.False(t, reg.IsOpen("unknown"))

	states := reg.Snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].AdapterID)
	assert.Equal(t, policy.CircuitOpen, states[0].Status)
	assert.Equal(t, policy.CircuitClosed, states[1].Status)
}

func TestBreakerConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultBreakerConfig().Validate())

	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultBreakerConfig()
	cfg.RecoveryTimeout = 0
	assert.Error(t, cfg.Validate())
}
