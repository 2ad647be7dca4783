package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semgov/audit"
	"github.com/c360studio/semgov/compiler"
	"github.com/c360studio/semgov/ensemble"
	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/llm/testutil"
	"github.com/c360studio/semgov/metrics"
	"github.com/c360studio/semgov/pipeline"
	"github.com/c360studio/semgov/policy"
	"github.com/c360studio/semgov/reliability"
	"github.com/c360studio/semgov/storage"
	"github.com/c360studio/semgov/verification"
)

func newTestServer(t *testing.T, verdict policy.Verdict, opts ...func(*Server)) (*httptest.Server, storage.ChainStore) {
	t.Helper()
	return newTestServerWithAdapters(t, verdict, []llm.Adapter{
		testutil.NewMockAdapter("a", testutil.Respond("a", "MUST log every access", 0.98)),
		testutil.NewMockAdapter("b", testutil.Respond("b", "MUST log access", 0.96)),
	}, opts...)
}

func newTestServerWithAdapters(t *testing.T, verdict policy.Verdict, adapters []llm.Adapter, opts ...func(*Server)) (*httptest.Server, storage.ChainStore) {
	t.Helper()
	sink := audit.NewMemorySink()
	auditLog := audit.NewLogger(sink, nil)
	m := metrics.New()

	breakers := reliability.NewRegistry(reliability.DefaultBreakerConfig(), reliability.WithStateObserver(m.CircuitObserver))
	guard := reliability.NewGuard(breakers, reliability.RetryConfig{MaxAttempts: 1})
	ecfg := ensemble.DefaultConfig()
	ecfg.Deadline = 2 * time.Second
	coord, err := ensemble.NewCoordinator(guard, ecfg, ensemble.WithObserver(pipeline.AdapterObserver(auditLog, m)))
	require.NoError(t, err)

	verifier := verification.Func(func(_ context.Context, req verification.Request) (*verification.Response, error) {
		return &verification.Response{Verdict: verdict, EvidenceRef: "ref://" + req.CandidateID}, nil
	})
	gate, err := verification.NewGate(verifier, verification.DefaultConfig())
	require.NoError(t, err)

	store := storage.NewMemoryChainStore()
	signer, err := compiler.NewSignerFromSeed(strings.Repeat("11", 32))
	require.NoError(t, err)
	comp, err := compiler.New(signer, store)
	require.NoError(t, err)

	p, err := pipeline.New(coord, adapters, gate, comp, pipeline.DefaultConfig(),
		pipeline.WithAudit(auditLog), pipeline.WithMetrics(m))
	require.NoError(t, err)

	srv := &Server{Pipeline: p, Breakers: breakers, Audit: sink, Metrics: m}
	for _, opt := range opts {
		opt(srv)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, store
}

func postPrinciple(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/principles", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const accessPrinciple = `{"id":"P-1","text":"Every access is logged.","domain_tags":["audit"],"version":"1"}`

func TestRunPrinciple_Created(t *testing.T) {
	ts, store := newTestServer(t, policy.VerdictProved)

	resp := postPrinciple(t, ts.URL, accessPrinciple)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res pipeline.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.NotNil(t, res.Rule)
	assert.Equal(t, "audit", res.Rule.Domain)
	assert.Equal(t, 1, res.Rule.Version)

	head, err := store.Head(context.Background(), "audit")
	require.NoError(t, err)
	assert.Equal(t, res.Rule.ID, head.ID)

	// Head, chain, rule and audit lookups all see the activation.
	headResp, err := http.Get(ts.URL + "/v1/domains/audit/head")
	require.NoError(t, err)
	defer headResp.Body.Close()
	assert.Equal(t, http.StatusOK, headResp.StatusCode)

	chainResp, err := http.Get(ts.URL + "/v1/domains/audit/chain")
	require.NoError(t, err)
	defer chainResp.Body.Close()
	var chain ChainResponse
	require.NoError(t, json.NewDecoder(chainResp.Body).Decode(&chain))
	assert.True(t, chain.Verified)
	assert.Len(t, chain.Rules, 1)

	ruleResp, err := http.Get(ts.URL + "/v1/rules/" + res.Rule.ID)
	require.NoError(t, err)
	defer ruleResp.Body.Close()
	assert.Equal(t, http.StatusOK, ruleResp.StatusCode)

	auditResp, err := http.Get(ts.URL + "/v1/transactions/" + res.TransactionID + "/audit")
	require.NoError(t, err)
	defer auditResp.Body.Close()
	var recs map[string][]audit.Record
	require.NoError(t, json.NewDecoder(auditResp.Body).Decode(&recs))
	assert.NotEmpty(t, recs["records"])

	domResp, err := http.Get(ts.URL + "/v1/domains")
	require.NoError(t, err)
	defer domResp.Body.Close()
	var domains map[string][]string
	require.NoError(t, json.NewDecoder(domResp.Body).Decode(&domains))
	assert.Equal(t, []string{"audit"}, domains["domains"])
}

func TestRunPrinciple_Refuted(t *testing.T) {
	ts, _ := newTestServer(t, policy.VerdictRefuted)

	resp := postPrinciple(t, ts.URL, accessPrinciple)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(policy.KindRefuted), body.Kind)
	assert.Equal(t, string(policy.StageVerify), body.Stage)
	assert.Equal(t, string(policy.VerdictRefuted), body.Verdict)
	assert.NotEmpty(t, body.EvidenceRef)
}

func TestRunPrinciple_AllAdaptersMalformed(t *testing.T) {
	ts, store := newTestServerWithAdapters(t, policy.VerdictProved, []llm.Adapter{
		testutil.NewMockAdapter("a", testutil.Fail(llm.Malformed("a", errors.New("no JSON object in model output")))),
		testutil.NewMockAdapter("b", testutil.Fail(llm.Malformed("b", errors.New("rule_text is empty")))),
	})

	resp := postPrinciple(t, ts.URL, accessPrinciple)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(policy.KindAdapterMalformedResponse), body.Kind)
	assert.Equal(t, string(policy.StageSynthesize), body.Stage)

	head, err := store.Head(context.Background(), "audit")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestGetHead_ReadsPersistedChain(t *testing.T) {
	ts, store := newTestServer(t, policy.VerdictProved)

	resp := postPrinciple(t, ts.URL, accessPrinciple)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res pipeline.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	// A second writer sharing the store advances the chain.
	signer, err := compiler.NewSignerFromSeed(strings.Repeat("11", 32))
	require.NoError(t, err)
	other, err := compiler.New(signer, store)
	require.NoError(t, err)
	candidate := &policy.CandidatePolicy{
		ID:                     "cand-other",
		SourcePrincipleID:      "P-1",
		PrincipleVersion:       "2",
		Domain:                 "audit",
		AggregatedRuleText:     "MUST log every access and every export",
		AggregateConfidence:    0.97,
		AggregateCompliance:    0.97,
		ContributingAdapterIDs: []string{"a"},
		AggregationStrategy:    policy.StrategyWeightedMax,
	}
	verified := &policy.VerificationResult{CandidateID: candidate.ID, Verdict: policy.VerdictProved, EvidenceRef: "ref://other"}
	ctx := context.Background()
	compiled, err := other.Compile(ctx, candidate, verified, res.Rule)
	require.NoError(t, err)
	next, err := other.Activate(ctx, compiled)
	require.NoError(t, err)
	require.Equal(t, 2, next.Version)

	headResp, err := http.Get(ts.URL + "/v1/domains/audit/head")
	require.NoError(t, err)
	defer headResp.Body.Close()
	require.Equal(t, http.StatusOK, headResp.StatusCode)

	var head policy.CompiledPolicyRule
	require.NoError(t, json.NewDecoder(headResp.Body).Decode(&head))
	assert.Equal(t, next.ID, head.ID)
	assert.Equal(t, res.Rule.ID, head.Predecessor)
}

func TestRunPrinciple_BadInput(t *testing.T) {
	ts, _ := newTestServer(t, policy.VerdictProved)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"id":`},
		{"unknown field", `{"id":"P-1","text":"x","version":"1","extra":true}`},
		{"missing text", `{"id":"P-1","version":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postPrinciple(t, ts.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestNotFound(t *testing.T) {
	ts, _ := newTestServer(t, policy.VerdictProved)

	for _, path := range []string{"/v1/domains/none/head", "/v1/rules/deadbeef", "/v1/transactions/tx-none/audit"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestCircuitsHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, policy.VerdictProved)
	postPrinciple(t, ts.URL, accessPrinciple)

	resp, err := http.Get(ts.URL + "/v1/circuits")
	require.NoError(t, err)
	defer resp.Body.Close()
	var circuits map[string][]policy.CircuitState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&circuits))
	assert.Len(t, circuits["circuits"], 2)
	for _, c := range circuits["circuits"] {
		assert.Equal(t, policy.CircuitClosed, c.Status)
	}

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestBodyLimit(t *testing.T) {
	ts, _ := newTestServer(t, policy.VerdictProved, func(s *Server) { s.MaxRequestBodyBytes = 64 })
	big := `{"id":"P-1","version":"1","text":"` + strings.Repeat("x", 128) + `"}`
	resp := postPrinciple(t, ts.URL, big)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := map[policy.ErrorKind]int{
		policy.KindInvalidPrinciple:         http.StatusBadRequest,
		policy.KindComplianceBelowThreshold: http.StatusUnprocessableEntity,
		policy.KindChainConflict:            http.StatusConflict,
		policy.KindInsufficientQuorum:       http.StatusServiceUnavailable,
		policy.KindTransactionTimeout:       http.StatusGatewayTimeout,
		policy.KindCancelled:                http.StatusRequestTimeout,
		policy.KindActivationFailed:         http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}
