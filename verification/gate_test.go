package verification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semgov/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCandidate = &policy.CandidatePolicy{
	ID:                 "cand-1",
	SourcePrincipleID:  "P-1",
	Domain:             "privacy",
	AggregatedRuleText: "MUST encrypt personal data at rest",
}

type scriptedVerifier struct {
	mu       sync.Mutex
	verdicts []policy.Verdict
	requests []Request
}

func (s *scriptedVerifier) Verify(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.verdicts) {
		idx = len(s.verdicts) - 1
	}
	return &Response{Verdict: s.verdicts[idx], EvidenceRef: "evidence/" + string(s.verdicts[idx])}, nil
}

func newTestGate(t *testing.T, v Verifier, mutate func(*Config)) *Gate {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Constraints = map[string][]string{"privacy": {"no_plaintext_pii"}}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGate(v, cfg)
	require.NoError(t, err)
	return g
}

func TestGate_Proved(t *testing.T) {
	v := &scriptedVerifier{verdicts: []policy.Verdict{policy.VerdictProved}}
	g := newTestGate(t, v, nil)

	result, err := g.Verify(context.Background(), testCandidate)
	require.NoError(t, err)
	assert.Equal(t, policy.VerdictProved, result.Verdict)
	assert.Equal(t, "evidence/proved", result.EvidenceRef)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 16, result.Depth)
	assert.NoError(t, Check(result))

	require.Len(t, v.requests, 1)
	assert.Equal(t, []string{"no_plaintext_pii"}, v.requests[0].DomainConstraints)
	assert.Equal(t, "MUST encrypt personal data at rest", v.requests[0].RuleBody)
}

func TestGate_InconclusiveRetriedOnceWithRelaxedDepth(t *testing.T) {
	v := &scriptedVerifier{verdicts: []policy.Verdict{policy.VerdictInconclusive, policy.VerdictProved}}
	g := newTestGate(t, v, nil)

	result, err := g.Verify(context.Background(), testCandidate)
	require.NoError(t, err)
	assert.Equal(t, policy.VerdictProved, result.Verdict)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 8, result.Depth)

	require.Len(t, v.requests, 2)
	assert.Equal(t, 16, v.requests[0].Depth)
	assert.Equal(t, 8, v.requests[1].Depth)
}

func TestGate_InconclusiveBlocksAfterRetries(t *testing.T) {
	v := &scriptedVerifier{verdicts: []policy.Verdict{policy.VerdictInconclusive}}
	g := newTestGate(t, v, func(c *Config) {
		c.Depth = 3
		c.InconclusiveRetries = 3
	})

	result, err := g.Verify(context.Background(), testCandidate)
	require.NoError(t, err)
	assert.Equal(t, policy.VerdictInconclusive, result.Verdict)
	assert.Equal(t, 4, result.Attempts)

	depths := make([]int, len(v.requests))
	for i, r := range v.requests {
		depths[i] = r.Depth
	}
	assert.Equal(t, []int{3, 1, 1, 1}, depths)

	err = Check(result)
	require.ErrorIs(t, err, policy.ErrInconclusive)
	pe, _ := policy.AsError(err)
	assert.Equal(t, policy.VerdictInconclusive, pe.Verdict)
}

func TestGate_RefutedNotRetried(t *testing.T) {
	v := &scriptedVerifier{verdicts: []policy.Verdict{policy.VerdictRefuted}}
	g := newTestGate(t, v, nil)

	result, err := g.Verify(context.Background(), testCandidate)
	require.NoError(t, err)
	assert.Len(t, v.requests, 1)

	err = Check(result)
	require.ErrorIs(t, err, policy.ErrRefuted)
	pe, _ := policy.AsError(err)
	assert.Equal(t, "evidence/refuted", pe.EvidenceRef)
	assert.Equal(t, policy.VerdictRefuted, pe.Verdict)
}

func TestGate_VerifierFailure(t *testing.T) {
	g := newTestGate(t, Func(func(context.Context, Request) (*Response, error) {
		return nil, errors.New("solver crashed")
	}), nil)

	_, err := g.Verify(context.Background(), testCandidate)
	assert.Equal(t, policy.KindVerifierUnavailable, policy.KindOf(err))

	g = newTestGate(t, Func(func(context.Context, Request) (*Response, error) {
		return nil, nil
	}), nil)
	_, err = g.Verify(context.Background(), testCandidate)
	assert.Equal(t, policy.KindVerifierUnavailable, policy.KindOf(err))
}

func TestCheck_Nil(t *testing.T) {
	assert.Error(t, Check(nil))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.DepthRelaxation = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Depth = 0
	assert.Error(t, cfg.Validate())

	_, err := NewGate(nil, DefaultConfig())
	assert.Equal(t, policy.KindConfiguration, policy.KindOf(err))
}

func TestHTTPVerifier(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = io.WriteString(w, `{"verdict":"REFUTED","evidence_reference":"cex://42"}`)
	}))
	defer server.Close()

	v := NewHTTPVerifier(server.URL, time.Second, WithBearerToken("tok"))
	resp, err := v.Verify(context.Background(), Request{CandidateID: "c", Domain: "privacy", RuleBody: "MUST x", Depth: 4})
	require.NoError(t, err)
	assert.Equal(t, policy.VerdictRefuted, resp.Verdict)
	assert.Equal(t, "cex://42", resp.EvidenceRef)
	assert.Equal(t, 4, got.Depth)
	assert.Equal(t, "MUST x", got.RuleBody)
}

func TestHTTPVerifier_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "server error", handler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{name: "unknown verdict", handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"verdict":"probably"}`)
		}},
		{name: "not json", handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `<html>`)
		}},
		{name: "too slow", handler: func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewHTTPVerifier(server.URL, 100*time.Millisecond).Verify(context.Background(), Request{})
			require.Error(t, err)
			assert.Equal(t, policy.KindVerifierUnavailable, policy.KindOf(err))
		})
	}
}
