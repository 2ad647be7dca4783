// Package compiler turns verified candidates into signed, hash-linked rules
// and guards each domain's chain head with optimistic concurrency.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/c360studio/semgov/policy"
	"github.com/c360studio/semgov/storage"
)

// RuleID returns hex(sha256(body || predecessor)).
func RuleID(body []byte, predecessor string) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(predecessor))
	return hex.EncodeToString(h.Sum(nil))
}

// domainState tracks one domain's head. committed mirrors the persisted
// head; pending is a compiled rule awaiting activation.
type domainState struct {
	mu        sync.Mutex
	loaded    bool
	committed *policy.CompiledPolicyRule
	pending   *policy.CompiledPolicyRule
}

// Compiler compiles verified candidates. It is safe for concurrent use.
type Compiler struct {
	signer *Signer
	store  storage.ChainStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	domains map[string]*domainState
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) {
		c.logger = logger
	}
}

// WithNow sets the time source for activation timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *Compiler) {
		c.now = now
	}
}

// New creates a compiler over store.
func New(signer *Signer, store storage.ChainStore, opts ...Option) (*Compiler, error) {
	if signer == nil {
		return nil, policy.Errorf(policy.KindConfiguration, "signing key is required")
	}
	if store == nil {
		return nil, policy.Errorf(policy.KindConfiguration, "chain store is required")
	}
	c := &Compiler{
		signer:  signer,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		domains: make(map[string]*domainState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store returns the chain store.
func (c *Compiler) Store() storage.ChainStore {
	return c.store
}

// Signer returns the signer.
func (c *Compiler) Signer() *Signer {
	return c.signer
}

func (c *Compiler) state(domain string) *domainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.domains[domain]
	if !ok {
		st = &domainState{}
		c.domains[domain] = st
	}
	return st
}

// load seeds st from the store. Must be called with st.mu held.
func (c *Compiler) load(ctx context.Context, domain string, st *domainState) error {
	if st.loaded {
		return nil
	}
	head, err := c.store.Head(ctx, domain)
	if err != nil {
		return err
	}
	st.committed = head
	st.loaded = true
	return nil
}

// Head returns the last activated rule of domain, or nil when the domain
// has none. Unactivated compile results are never returned.
func (c *Compiler) Head(ctx context.Context, domain string) (*policy.CompiledPolicyRule, error) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := c.load(ctx, domain, st); err != nil {
		return nil, err
	}
	return cloneRule(st.committed), nil
}

// Refresh drops the cached head of domain so the next call re-reads the
// store. Used after another writer advanced the persisted chain.
func (c *Compiler) Refresh(domain string) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending == nil {
		st.loaded = false
		st.committed = nil
	}
}

// Build computes the rule for (candidate, verification, prior) without
// touching any head. The result depends only on its inputs.
func (c *Compiler) Build(candidate *policy.CandidatePolicy, verification *policy.VerificationResult, prior *policy.CompiledPolicyRule) (*policy.CompiledPolicyRule, error) {
	if candidate == nil || verification == nil {
		return nil, policy.Errorf(policy.KindIntegrityViolation, "candidate and verification are required")
	}
	if verification.CandidateID != candidate.ID {
		return nil, policy.Errorf(policy.KindIntegrityViolation,
			"verification %s does not belong to candidate %s", verification.CandidateID, candidate.ID)
	}
	if verification.Verdict != policy.VerdictProved {
		kind := policy.KindInconclusive
		if verification.Verdict == policy.VerdictRefuted {
			kind = policy.KindRefuted
		}
		return nil, &policy.Error{
			Kind:        kind,
			Verdict:     verification.Verdict,
			EvidenceRef: verification.EvidenceRef,
			Domain:      candidate.Domain,
			Err:         fmt.Errorf("only proved candidates compile"),
		}
	}
	if prior != nil && prior.Domain != candidate.Domain {
		return nil, policy.Errorf(policy.KindIntegrityViolation,
			"prior head belongs to %s, candidate to %s", prior.Domain, candidate.Domain)
	}

	body := NewRuleBody(candidate, verification)
	raw, err := body.Canonical()
	if err != nil {
		return nil, policy.NewError(policy.KindIntegrityViolation, err)
	}

	rule := &policy.CompiledPolicyRule{
		Domain:  candidate.Domain,
		Version: 1,
		Body:    raw,
	}
	var priorClauses []string
	if prior != nil {
		rule.Predecessor = prior.ID
		rule.PredecessorVersion = prior.Version
		rule.Version = prior.Version + 1
		if pb, err := DecodeRuleBody(prior.Body); err == nil {
			priorClauses = pb.Clauses
		}
	}
	rule.ID = RuleID(raw, rule.Predecessor)
	rule.Diff = Diff(priorClauses, body.Clauses, rule.Predecessor, rule.ID)
	c.signer.Sign(rule)
	return rule, nil
}

// Compile builds the rule and reserves it as the domain's next head.
//
// prior must be the domain's last activated rule (nil for an empty domain);
// otherwise, or while another compiled rule awaits activation, Compile
// fails with ChainConflict. Compiling the same triple again returns the
// identical rule, including after it was activated.
func (c *Compiler) Compile(ctx context.Context, candidate *policy.CandidatePolicy, verification *policy.VerificationResult, prior *policy.CompiledPolicyRule) (*policy.CompiledPolicyRule, error) {
	rule, err := c.Build(candidate, verification, prior)
	if err != nil {
		return nil, err
	}

	st := c.state(rule.Domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := c.load(ctx, rule.Domain, st); err != nil {
		return nil, err
	}

	switch {
	case st.committed != nil && st.committed.ID == rule.ID:
		return cloneRule(st.committed), nil
	case st.pending != nil && st.pending.ID == rule.ID:
		return cloneRule(st.pending), nil
	case rule.Predecessor != headID(st.committed):
		return nil, c.conflict(rule.Domain, headID(st.committed), rule.Predecessor)
	case st.pending != nil:
		return nil, c.conflict(rule.Domain, st.pending.ID, rule.Predecessor)
	}

	st.pending = rule
	c.logger.Debug("Rule compiled",
		"domain", rule.Domain,
		"rule_id", rule.ID,
		"version", rule.Version,
		"predecessor", rule.Predecessor)
	return cloneRule(rule), nil
}

func (c *Compiler) conflict(domain, known, given string) error {
	return &policy.Error{
		Kind:            policy.KindChainConflict,
		Domain:          domain,
		ConflictVersion: known,
		Err:             fmt.Errorf("prior head %q is not the known head %q", given, known),
	}
}

// Release drops the reservation for ruleID if it was not activated.
func (c *Compiler) Release(domain, ruleID string) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending != nil && st.pending.ID == ruleID {
		st.pending = nil
	}
}

// Activate commits a compiled rule: it stamps the activation time and
// persists the rule as the new head. The pipeline is the only caller.
func (c *Compiler) Activate(ctx context.Context, rule *policy.CompiledPolicyRule) (*policy.CompiledPolicyRule, error) {
	st := c.state(rule.Domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.committed != nil && st.committed.ID == rule.ID {
		return cloneRule(st.committed), nil
	}
	if st.pending == nil || st.pending.ID != rule.ID {
		return nil, &policy.Error{
			Kind:   policy.KindChainConflict,
			Domain: rule.Domain,
			Err:    fmt.Errorf("rule %s is not reserved for activation", rule.ID),
		}
	}

	active := cloneRule(st.pending)
	active.ActivatedAt = c.now().UTC()
	if err := c.store.Append(ctx, active); err != nil {
		if policy.KindOf(err) == policy.KindChainConflict {
			// Another process advanced the persisted chain.
			st.pending = nil
			st.loaded = false
			st.committed = nil
		}
		return nil, err
	}

	st.committed = active
	st.pending = nil
	c.logger.Info("Rule activated",
		"domain", active.Domain,
		"rule_id", active.ID,
		"version", active.Version)
	return cloneRule(active), nil
}

// Diff renders a unified diff between two clause lists.
func Diff(from, to []string, fromName, toName string) string {
	if fromName == "" {
		fromName = "genesis"
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        linesOf(from),
		B:        linesOf(to),
		FromFile: short(fromName),
		ToFile:   short(toName),
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

func linesOf(clauses []string) []string {
	lines := make([]string, len(clauses))
	for i, c := range clauses {
		lines[i] = c + "\n"
	}
	return lines
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func headID(r *policy.CompiledPolicyRule) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func cloneRule(r *policy.CompiledPolicyRule) *policy.CompiledPolicyRule {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}
