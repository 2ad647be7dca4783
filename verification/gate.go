package verification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semgov/policy"
)

// Config configures the gate.
type Config struct {
	// URL of the verifier service. Empty when a Verifier is injected.
	URL string `json:"url" yaml:"url"`

	// Timeout bounds each verifier call.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Depth is the initial verification depth.
	Depth int `json:"depth" yaml:"depth"`

	// InconclusiveRetries is how many times an inconclusive verdict is
	// retried with relaxed depth.
	InconclusiveRetries int `json:"inconclusive_retries" yaml:"inconclusive_retries"`

	// DepthRelaxation scales the depth on each retry, in (0,1].
	DepthRelaxation float64 `json:"depth_relaxation" yaml:"depth_relaxation"`

	// Constraints lists the invariants every rule in a domain must respect.
	Constraints map[string][]string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		Depth:               16,
		InconclusiveRetries: 1,
		DepthRelaxation:     0.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Depth < 1 {
		return fmt.Errorf("depth must be at least 1")
	}
	if c.InconclusiveRetries < 0 {
		return fmt.Errorf("inconclusive_retries must not be negative")
	}
	if c.DepthRelaxation <= 0 || c.DepthRelaxation > 1 {
		return fmt.Errorf("depth_relaxation %v outside (0,1]", c.DepthRelaxation)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// relax returns the next, shallower depth. It never drops below 1.
func (c Config) relax(depth int) int {
	next := int(float64(depth) * c.DepthRelaxation)
	if next < 1 {
		return 1
	}
	return next
}

// Gate runs candidates through the verifier.
type Gate struct {
	verifier Verifier
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithNow sets the time source for VerifiedAt.
func WithNow(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a gate over verifier.
func NewGate(verifier Verifier, cfg Config, opts ...GateOption) (*Gate, error) {
	if verifier == nil {
		return nil, policy.Errorf(policy.KindConfiguration, "verifier is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, policy.NewError(policy.KindConfiguration, err)
	}
	g := &Gate{
		verifier: verifier,
		config:   cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Verify obtains a verdict for candidate. An inconclusive verdict is
// retried with relaxed depth up to InconclusiveRetries times before being
// reported. The returned error is set only when no verdict could be
// obtained; use Check to gate promotion on the verdict.
func (g *Gate) Verify(ctx context.Context, candidate *policy.CandidatePolicy) (*policy.VerificationResult, error) {
	req := Request{
		CandidateID:       candidate.ID,
		Domain:            candidate.Domain,
		RuleBody:          candidate.AggregatedRuleText,
		DomainConstraints: g.config.Constraints[candidate.Domain],
		Depth:             g.config.Depth,
	}
	if req.DomainConstraints == nil {
		req.DomainConstraints = []string{}
	}

	for attempt := 1; ; attempt++ {
		resp, err := g.verifier.Verify(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if policy.KindOf(err) == "" {
				err = policy.NewError(policy.KindVerifierUnavailable, err)
			}
			return nil, err
		}
		if resp == nil {
			return nil, policy.NewError(policy.KindVerifierUnavailable, errNoVerdict)
		}

		result := &policy.VerificationResult{
			CandidateID: candidate.ID,
			Verdict:     resp.Verdict,
			EvidenceRef: resp.EvidenceRef,
			Attempts:    attempt,
			Depth:       req.Depth,
			VerifiedAt:  g.now().UTC(),
		}

		if resp.Verdict != policy.VerdictInconclusive || attempt > g.config.InconclusiveRetries {
			g.logger.Info("Verification complete",
				"candidate_id", candidate.ID,
				"domain", candidate.Domain,
				"verdict", result.Verdict,
				"evidence_ref", result.EvidenceRef,
				"attempts", attempt,
				"depth", req.Depth)
			return result, nil
		}

		next := g.config.relax(req.Depth)
		g.logger.Debug("Verification inconclusive, retrying with relaxed depth",
			"candidate_id", candidate.ID,
			"depth", req.Depth,
			"next_depth", next)
		req.Depth = next
	}
}

// Check maps a verdict to the promotion decision. Only proved passes;
// refuted and inconclusive are typed errors carrying the evidence.
func Check(result *policy.VerificationResult) error {
	if result == nil {
		return policy.NewError(policy.KindVerifierUnavailable, errNoVerdict)
	}
	switch result.Verdict {
	case policy.VerdictProved:
		return nil
	case policy.VerdictRefuted:
		return &policy.Error{
			Kind:        policy.KindRefuted,
			Verdict:     result.Verdict,
			EvidenceRef: result.EvidenceRef,
			Err:         fmt.Errorf("candidate %s refuted", result.CandidateID),
		}
	default:
		return &policy.Error{
			Kind:        policy.KindInconclusive,
			Verdict:     policy.VerdictInconclusive,
			EvidenceRef: result.EvidenceRef,
			Err:         fmt.Errorf("candidate %s inconclusive after %d attempts", result.CandidateID, result.Attempts),
		}
	}
}
