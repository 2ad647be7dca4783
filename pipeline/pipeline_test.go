package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semgov/activation"
	"github.com/c360studio/semgov/audit"
	"github.com/c360studio/semgov/compiler"
	"github.com/c360studio/semgov/ensemble"
	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/llm/testutil"
	"github.com/c360studio/semgov/policy"
	"github.com/c360studio/semgov/reliability"
	"github.com/c360studio/semgov/storage"
	"github.com/c360studio/semgov/verification"
)

var principle = policy.Principle{
	ID:         "P-7",
	Text:       "Personal data must be encrypted at rest.",
	DomainTags: []string{"privacy"},
	Version:    "3",
}

type harness struct {
	pipeline *Pipeline
	breakers *reliability.Registry
	store    storage.ChainStore
	audit    *audit.MemorySink

	mu        sync.Mutex
	published []*policy.CompiledPolicyRule
}

func (h *harness) Published() []*policy.CompiledPolicyRule {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*policy.CompiledPolicyRule(nil), h.published...)
}

func (h *harness) kinds(txID string) []string {
	recs, _ := h.audit.List(context.Background(), txID)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Kind)
	}
	return out
}

func provedVerifier() verification.Verifier {
	return verification.Func(func(_ context.Context, req verification.Request) (*verification.Response, error) {
		return &verification.Response{Verdict: policy.VerdictProved, EvidenceRef: "proof://" + req.CandidateID}, nil
	})
}

type harnessOpts struct {
	verifier  verification.Verifier
	store     storage.ChainStore
	publisher activation.Publisher
	config    func(*Config)
}

func newHarness(t *testing.T, adapters []llm.Adapter, o harnessOpts) *harness {
	t.Helper()
	h := &harness{audit: audit.NewMemorySink(), store: o.store}
	if h.store == nil {
		h.store = storage.NewMemoryChainStore()
	}
	if o.verifier == nil {
		o.verifier = provedVerifier()
	}
	if o.publisher == nil {
		o.publisher = activation.Func(func(_ context.Context, r *policy.CompiledPolicyRule) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.published = append(h.published, r)
			return nil
		})
	}

	auditLog := audit.NewLogger(h.audit, nil)
	h.breakers = reliability.NewRegistry(reliability.DefaultBreakerConfig())
	guard := reliability.NewGuard(h.breakers, reliability.RetryConfig{MaxAttempts: 1})

	ecfg := ensemble.DefaultConfig()
	ecfg.Deadline = 2 * time.Second
	coord, err := ensemble.NewCoordinator(guard, ecfg, ensemble.WithObserver(AdapterObserver(auditLog, nil)))
	require.NoError(t, err)

	gate, err := verification.NewGate(o.verifier, verification.DefaultConfig())
	require.NoError(t, err)

	signer, err := compiler.NewSignerFromSeed(strings.Repeat("5a", 32))
	require.NoError(t, err)
	comp, err := compiler.New(signer, h.store)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TransactionTimeout = 5 * time.Second
	cfg.ConflictBackoff = 2 * time.Millisecond
	if o.config != nil {
		o.config(&cfg)
	}
	h.pipeline, err = New(coord, adapters, gate, comp, cfg,
		WithPublisher(o.publisher),
		WithAudit(auditLog))
	require.NoError(t, err)
	return h
}

func threeAdapters() []llm.Adapter {
	return []llm.Adapter{
		testutil.NewMockAdapter("a", testutil.Respond("a", "MUST encrypt personal data at rest", 0.97)),
		testutil.NewMockAdapter("b", testutil.Respond("b", "SHOULD encrypt data", 0.93)),
		testutil.NewMockAdapter("c", testutil.Respond("c", "MUST encrypt personal data at rest with AES-256", 0.99)),
	}
}

func TestRun_ScenarioA_Activates(t *testing.T) {
	h := newHarness(t, threeAdapters(), harnessOpts{})

	res, err := h.pipeline.Run(context.Background(), principle)
	require.NoError(t, err)

	require.NotNil(t, res.Rule)
	assert.Equal(t, 1, res.Rule.Version)
	assert.True(t, res.Rule.IsGenesis())
	assert.False(t, res.Rule.ActivatedAt.IsZero())
	assert.Equal(t, 1, res.CompileAttempts)
	assert.Empty(t, res.PublishError)

	body, err := compiler.DecodeRuleBody(res.Rule.Body)
	require.NoError(t, err)
	assert.Equal(t, "MUST encrypt personal data at rest with AES-256", body.RuleText)
	assert.Equal(t, []string{"c"}, body.Adapters)

	head, err := h.store.Head(context.Background(), "privacy")
	require.NoError(t, err)
	assert.Equal(t, res.Rule.ID, head.ID)

	published := h.Published()
	require.Len(t, published, 1)
	assert.Equal(t, res.Rule.ID, published[0].ID)

	kinds := h.kinds(res.TransactionID)
	assert.Equal(t, 3, count(kinds, audit.KindAdapterResponse))
	assert.Equal(t, []string{audit.KindCandidate, audit.KindVerification, audit.KindCompiled, audit.KindActivated}, kinds[3:])

	_, err = h.pipeline.Compiler().VerifyDomain(context.Background(), "privacy", nil)
	assert.NoError(t, err)
}

func TestRun_ScenarioB_OpenCircuitExcluded(t *testing.T) {
	adapters := threeAdapters()
	h := newHarness(t, adapters, harnessOpts{})

	breaker := h.breakers.Breaker("b")
	for range reliability.DefaultBreakerConfig().FailureThreshold {
		ticket, err := breaker.Allow()
		require.NoError(t, err)
		breaker.Record(ticket, reliability.OutcomeFailure)
	}
	require.True(t, h.breakers.IsOpen("b"))

	res, err := h.pipeline.Run(context.Background(), principle)
	require.NoError(t, err)
	assert.Equal(t, "MUST encrypt personal data at rest with AES-256", res.Candidate.AggregatedRuleText)
	assert.Equal(t, 0, adapters[1].(*testutil.MockAdapter).CallCount())

	recs, err := h.audit.List(context.Background(), res.TransactionID)
	require.NoError(t, err)
	var circuitErrors int
	for _, r := range recs {
		if r.Kind == audit.KindAdapterError && r.AdapterID == "b" {
			circuitErrors++
			assert.Contains(t, r.Error, string(policy.KindCircuitOpen))
		}
	}
	assert.Equal(t, 1, circuitErrors)
}

func TestRun_ScenarioC_RefutedNeverCompiles(t *testing.T) {
	refuting := verification.Func(func(context.Context, verification.Request) (*verification.Response, error) {
		return &verification.Response{Verdict: policy.VerdictRefuted, EvidenceRef: "cex://privacy/17"}, nil
	})
	var txID string
	h := newHarness(t, threeAdapters(), harnessOpts{verifier: refuting})
	h.pipeline.newID = func() string {
		txID = "tx-refuted"
		return txID
	}

	res, err := h.pipeline.Run(context.Background(), principle)
	require.Error(t, err)
	assert.Nil(t, res)

	pe, ok := policy.AsError(err)
	require.True(t, ok)
	assert.Equal(t, policy.KindRefuted, pe.Kind)
	assert.Equal(t, policy.StageVerify, pe.Stage)
	assert.Equal(t, "cex://privacy/17", pe.EvidenceRef)
	assert.ErrorIs(t, err, policy.ErrRefuted)

	head, err := h.store.Head(context.Background(), "privacy")
	require.NoError(t, err)
	assert.Nil(t, head)
	assert.Empty(t, h.Published())

	recs, err := h.audit.List(context.Background(), txID)
	require.NoError(t, err)
	var sawCandidate, sawVerdict bool
	for _, r := range recs {
		switch r.Kind {
		case audit.KindCandidate:
			sawCandidate = true
		case audit.KindVerification:
			sawVerdict = true
			assert.Equal(t, policy.VerdictRefuted, r.Verdict)
			assert.Equal(t, "cex://privacy/17", r.EvidenceRef)
		case audit.KindCompiled, audit.KindActivated:
			t.Fatalf("unexpected %s record", r.Kind)
		}
	}
	assert.True(t, sawCandidate)
	assert.True(t, sawVerdict)
	assert.Equal(t, audit.KindStageFailed, recs[len(recs)-1].Kind)
}

func TestRun_ScenarioD_AllAdaptersFailing(t *testing.T) {
	down := func(id string) llm.Adapter {
		return testutil.NewMockAdapter(id, testutil.Fail(llm.Unavailable(id, errors.New("connection refused"))))
	}
	h := newHarness(t, []llm.Adapter{down("a"), down("b"), down("c")}, harnessOpts{})
	h.pipeline.newID = func() string { return "tx-down" }

	_, err := h.pipeline.Run(context.Background(), principle)
	require.Error(t, err)
	pe, ok := policy.AsError(err)
	require.True(t, ok)
	assert.Equal(t, policy.KindInsufficientQuorum, pe.Kind)
	assert.Equal(t, policy.StageSynthesize, pe.Stage)

	assert.Equal(t, 3, count(h.kinds("tx-down"), audit.KindAdapterError))
}

func TestRun_InvalidPrinciple(t *testing.T) {
	h := newHarness(t, threeAdapters(), harnessOpts{})

	_, err := h.pipeline.Run(context.Background(), policy.Principle{ID: "P-x"})
	pe, ok := policy.AsError(err)
	require.True(t, ok)
	assert.Equal(t, policy.KindInvalidPrinciple, pe.Kind)
}

func blockingVerifier(started chan<- struct{}) verification.Verifier {
	return verification.Func(func(ctx context.Context, _ verification.Request) (*verification.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestRun_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, threeAdapters(), harnessOpts{verifier: blockingVerifier(started)})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := h.pipeline.Run(ctx, principle)
	pe, ok := policy.AsError(err)
	require.True(t, ok)
	assert.Equal(t, policy.KindCancelled, pe.Kind)
	assert.Equal(t, policy.StageVerify, pe.Stage)

	head, err := h.store.Head(context.Background(), "privacy")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestRun_TransactionTimeout(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, threeAdapters(), harnessOpts{
		verifier: blockingVerifier(started),
		config:   func(c *Config) { c.TransactionTimeout = 100 * time.Millisecond },
	})

	_, err := h.pipeline.Run(context.Background(), principle)
	require.ErrorIs(t, err, policy.ErrTransactionTimeout)
	pe, _ := policy.AsError(err)
	assert.Equal(t, policy.StageVerify, pe.Stage)
	assert.Empty(t, h.Published())
}

type flakyStore struct {
	storage.ChainStore
	failures atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, rule *policy.CompiledPolicyRule) error {
	if f.failures.Add(-1) >= 0 {
		return policy.Errorf(policy.KindStorageUnavailable, "disk full")
	}
	return f.ChainStore.Append(ctx, rule)
}

func TestRun_ActivationFailureReleasesReservation(t *testing.T) {
	store := &flakyStore{ChainStore: storage.NewMemoryChainStore()}
	store.failures.Store(1)
	h := newHarness(t, threeAdapters(), harnessOpts{store: store})

	_, err := h.pipeline.Run(context.Background(), principle)
	pe, ok := policy.AsError(err)
	require.True(t, ok)
	assert.Equal(t, policy.StageActivate, pe.Stage)
	assert.Equal(t, policy.KindStorageUnavailable, pe.Kind)
	assert.Empty(t, h.Published())

	res, err := h.pipeline.Run(context.Background(), principle)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rule.Version)
}

func TestRun_PublishFailureKeepsActivation(t *testing.T) {
	var attempts atomic.Int32
	broken := activation.Func(func(context.Context, *policy.CompiledPolicyRule) error {
		attempts.Add(1)
		return errors.New("no responders")
	})
	h := newHarness(t, threeAdapters(), harnessOpts{publisher: broken})

	res, err := h.pipeline.Run(context.Background(), principle)
	require.NoError(t, err)
	assert.Contains(t, res.PublishError, "no responders")
	assert.Equal(t, int32(DefaultConfig().PublishAttempts), attempts.Load())

	head, err := h.store.Head(context.Background(), "privacy")
	require.NoError(t, err)
	assert.Equal(t, res.Rule.ID, head.ID)
	assert.Contains(t, h.kinds(res.TransactionID), audit.KindPublishFailed)
}

func TestRunBatch_SameDomainSerializes(t *testing.T) {
	h := newHarness(t, threeAdapters(), harnessOpts{
		config: func(c *Config) { c.CompileConflictRetries = 20 },
	})

	var principles []policy.Principle
	for i := range 4 {
		p := principle
		p.ID = fmt.Sprintf("P-%d", i)
		principles = append(principles, p)
	}

	outcomes := h.pipeline.RunBatch(context.Background(), principles)
	require.Len(t, outcomes, 4)

	versions := map[int]bool{}
	for i, o := range outcomes {
		require.NoError(t, o.Err, "principle %d", i)
		assert.Equal(t, principles[i].ID, o.Principle.ID)
		versions[o.Result.Rule.Version] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true, 4: true}, versions)

	chain, err := h.pipeline.Compiler().VerifyDomain(context.Background(), "privacy", nil)
	require.NoError(t, err)
	assert.Len(t, chain, 4)
}

func TestNew_RejectsMisconfiguration(t *testing.T) {
	guard := reliability.NewGuard(reliability.NewRegistry(reliability.DefaultBreakerConfig()), reliability.DefaultRetryConfig())
	coord, err := ensemble.NewCoordinator(guard, ensemble.DefaultConfig())
	require.NoError(t, err)
	gate, err := verification.NewGate(provedVerifier(), verification.DefaultConfig())
	require.NoError(t, err)
	signer, err := compiler.NewSignerFromSeed(strings.Repeat("11", 32))
	require.NoError(t, err)
	comp, err := compiler.New(signer, storage.NewMemoryChainStore())
	require.NoError(t, err)

	one := []llm.Adapter{testutil.NewMockAdapter("solo")}
	_, err = New(coord, one, gate, comp, DefaultConfig())
	assert.ErrorIs(t, err, &policy.Error{Kind: policy.KindConfiguration})

	bad := DefaultConfig()
	bad.PublishAttempts = 0
	_, err = New(coord, threeAdapters(), gate, comp, bad)
	assert.Error(t, err)
}

func TestTransactionID(t *testing.T) {
	assert.Empty(t, TransactionID(context.Background()))
	assert.Equal(t, "tx", TransactionID(WithTransactionID(context.Background(), "tx")))
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}
