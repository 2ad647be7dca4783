// Package testutil provides scripted adapters for exercising the ensemble
// and pipeline without real model backends.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/policy"
)

// Step is one scripted outcome. Exactly one of Response or Err is used;
// Delay is applied first and honours context cancellation.
type Step struct {
	Response *policy.ModelResponse
	Err      error
	Delay    time.Duration
}

// MockAdapter is a thread-safe llm.Adapter that replays Steps in order and
// repeats the last one once the script is exhausted.
//
// Usage:
//
//	mock := testutil.NewMockAdapter("a1",
//	    testutil.Step{Err: llm.Unavailable("a1", errors.New("down"))},
//	    testutil.Respond("a1", "MUST log access", 0.97),
//	)
type MockAdapter struct {
	id string

	mu        sync.Mutex
	steps     []Step
	callCount int
	prompts   []string
}

var _ llm.Adapter = (*MockAdapter)(nil)

// NewMockAdapter creates a mock with the given script.
func NewMockAdapter(id string, steps ...Step) *MockAdapter {
	return &MockAdapter{id: id, steps: steps}
}

// Respond builds a successful step with uniform dimension scores.
func Respond(adapterID, ruleText string, compliance float64) Step {
	return Step{Response: &policy.ModelResponse{
		AdapterID:       adapterID,
		RawOutput:       ruleText,
		RuleText:        ruleText,
		Confidence:      compliance,
		ComplianceScore: compliance,
		Scores: map[policy.Dimension]float64{
			policy.DimensionAccuracy:                compliance,
			policy.DimensionConstitutionalAlignment: compliance,
			policy.DimensionBiasMitigation:          compliance,
		},
	}}
}

// Fail builds a failing step.
func Fail(err error) Step {
	return Step{Err: err}
}

// ID implements llm.Adapter.
func (m *MockAdapter) ID() string {
	return m.id
}

// Generate implements llm.Adapter.
func (m *MockAdapter) Generate(ctx context.Context, prompt string, _ llm.Parameters) (*policy.ModelResponse, error) {
	m.mu.Lock()
	m.callCount++
	m.prompts = append(m.prompts, prompt)
	var step Step
	if n := len(m.steps); n > 0 {
		idx := m.callCount - 1
		if idx >= n {
			idx = n - 1
		}
		step = m.steps[idx]
	}
	m.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response == nil {
		return nil, llm.Unavailable(m.id, errors.New("no scripted response"))
	}
	resp := *step.Response
	resp.AdapterID = m.id
	if resp.Latency == 0 {
		resp.Latency = step.Delay
	}
	return &resp, nil
}

// CallCount returns the number of Generate calls.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Prompts returns a copy of every prompt received.
func (m *MockAdapter) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Reset clears call history and replaces the script.
func (m *MockAdapter) Reset(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = steps
	m.callCount = 0
	m.prompts = nil
}
