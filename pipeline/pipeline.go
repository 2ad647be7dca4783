// Package pipeline runs governance transactions: one principle is
// synthesized, verified, compiled and activated, or the transaction aborts
// with a typed error naming the failing stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/c360studio/semgov/activation"
	"github.com/c360studio/semgov/audit"
	"github.com/c360studio/semgov/compiler"
	"github.com/c360studio/semgov/ensemble"
	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/metrics"
	"github.com/c360studio/semgov/policy"
	"github.com/c360studio/semgov/verification"
)

const maxConflictBackoff = 2 * time.Second

// Result describes a committed transaction.
type Result struct {
	TransactionID string                     `json:"transaction_id"`
	PrincipleID   string                     `json:"principle_id"`
	Candidate     *policy.CandidatePolicy    `json:"candidate"`
	Verification  *policy.VerificationResult `json:"verification"`
	Rule          *policy.CompiledPolicyRule `json:"rule"`

	// CompileAttempts counts compiles including conflict retries.
	CompileAttempts int `json:"compile_attempts"`

	// PublishError is set when the rule committed but its activation event
	// could not be delivered. The rule stays active.
	PublishError string `json:"publish_error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Pipeline wires the stages together. It is safe for concurrent use.
type Pipeline struct {
	coordinator *ensemble.Coordinator
	adapters    []llm.Adapter
	gate        *verification.Gate
	compiler    *compiler.Compiler
	publisher   activation.Publisher
	audit       *audit.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	config      Config
	newID       func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher sets where activation events go.
func WithPublisher(p activation.Publisher) Option {
	return func(pl *Pipeline) {
		pl.publisher = p
	}
}

// WithAudit sets the audit logger.
func WithAudit(l *audit.Logger) Option {
	return func(pl *Pipeline) {
		pl.audit = l
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

// WithTracer sets the tracer for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(pl *Pipeline) {
		pl.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(pl *Pipeline) {
		pl.logger = logger
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(f func() string) Option {
	return func(pl *Pipeline) {
		pl.newID = f
	}
}

// New creates a pipeline over the given stages. Adapters are the ensemble
// members in priority order.
func New(coordinator *ensemble.Coordinator, adapters []llm.Adapter, gate *verification.Gate, comp *compiler.Compiler, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, policy.NewError(policy.KindConfiguration, err)
	}
	if coordinator == nil || gate == nil || comp == nil {
		return nil, policy.Errorf(policy.KindConfiguration, "coordinator, gate and compiler are required")
	}
	if len(adapters) == 0 {
		return nil, policy.Errorf(policy.KindConfiguration, "no adapters configured")
	}
	if q := coordinator.Config().MinQuorum; q > len(adapters) {
		return nil, policy.Errorf(policy.KindConfiguration, "min_quorum %d exceeds %d configured adapters", q, len(adapters))
	}

	p := &Pipeline{
		coordinator: coordinator,
		adapters:    adapters,
		gate:        gate,
		compiler:    comp,
		publisher:   activation.Nop,
		tracer:      noop.NewTracerProvider().Tracer(""),
		logger:      slog.Default(),
		config:      cfg,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Compiler returns the compiler the pipeline commits through.
func (p *Pipeline) Compiler() *compiler.Compiler {
	return p.compiler
}

// Run executes one governance transaction for principle.
//
// Stages run strictly in order synthesize, verify, compile, activate. Any
// failure aborts with a *policy.Error carrying the stage; nothing is
// activated and a compile reservation is released. A ChainConflict from
// compile or activate re-reads the domain head and recompiles up to
// CompileConflictRetries times. Caller cancellation before activation
// yields Cancelled; the overall deadline yields TransactionTimeout.
func (p *Pipeline) Run(ctx context.Context, principle policy.Principle) (*Result, error) {
	started := time.Now()
	txID := p.newID()
	ctx = WithTransactionID(ctx, txID)

	res := &Result{TransactionID: txID, PrincipleID: principle.ID}
	logger := p.logger.With("transaction_id", txID, "principle_id", principle.ID)

	ctx, span := p.tracer.Start(ctx, "governance.transaction", trace.WithAttributes(
		attribute.String("transaction.id", txID),
		attribute.String("principle.id", principle.ID),
		attribute.String("policy.domain", principle.Domain()),
	))
	defer span.End()

	err := p.run(ctx, principle, res, logger)
	res.Duration = time.Since(started)
	p.metrics.ObserveTransaction(err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(policy.KindOf(err)))
		logger.Warn("Governance transaction aborted", "error", err, "duration", res.Duration)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("rule.id", res.Rule.ID),
		attribute.Int("rule.version", res.Rule.Version),
	)
	logger.Info("Governance transaction committed",
		"domain", res.Rule.Domain,
		"rule_id", res.Rule.ID,
		"version", res.Rule.Version,
		"duration", res.Duration)
	return res, nil
}

func (p *Pipeline) run(parent context.Context, principle policy.Principle, res *Result, logger *slog.Logger) error {
	if err := principle.Validate(); err != nil {
		perr := &policy.Error{Kind: policy.KindInvalidPrinciple, Stage: policy.StageSynthesize, Err: err}
		p.auditFailure(parent, principle, perr)
		return perr
	}

	ctx, cancel := context.WithTimeout(parent, p.config.TransactionTimeout)
	defer cancel()

	// Synthesize.
	err := p.stage(ctx, policy.StageSynthesize, func(ctx context.Context) error {
		candidate, err := p.coordinator.Synthesize(ctx, principle, p.adapters, p.config.Strategy)
		if err != nil {
			return err
		}
		res.Candidate = candidate
		p.record(ctx, principle, audit.Record{
			Stage:   policy.StageSynthesize,
			Kind:    audit.KindCandidate,
			Payload: audit.Payload(candidate),
		})
		return nil
	})
	if err != nil {
		return p.abort(parent, ctx, principle, policy.StageSynthesize, err)
	}

	// Verify.
	err = p.stage(ctx, policy.StageVerify, func(ctx context.Context) error {
		result, err := p.gate.Verify(ctx, res.Candidate)
		if err != nil {
			return err
		}
		res.Verification = result
		p.record(ctx, principle, audit.Record{
			Stage:       policy.StageVerify,
			Kind:        audit.KindVerification,
			Payload:     audit.Payload(map[string]any{"candidate": res.Candidate, "verification": result}),
			Verdict:     result.Verdict,
			EvidenceRef: result.EvidenceRef,
		})
		return verification.Check(result)
	})
	if err != nil {
		return p.abort(parent, ctx, principle, policy.StageVerify, err)
	}

	// Compile and activate, recompiling against the new head after a lost race.
	domain := res.Candidate.Domain
	for attempt := 0; ; attempt++ {
		stage, err := p.commit(ctx, principle, res)
		if err == nil {
			break
		}
		if policy.KindOf(err) != policy.KindChainConflict || attempt >= p.config.CompileConflictRetries || ctx.Err() != nil {
			return p.abort(parent, ctx, principle, stage, err)
		}

		p.metrics.ObserveConflict(domain)
		p.compiler.Refresh(domain)
		backoff := min(p.config.ConflictBackoff<<attempt, maxConflictBackoff)
		logger.Info("Chain conflict, recompiling against new head",
			"domain", domain,
			"stage", stage,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)
		if err := sleep(ctx, backoff); err != nil {
			return p.abort(parent, ctx, principle, stage, err)
		}
	}

	p.metrics.ObserveActivation(res.Rule)
	p.publish(parent, principle, res, logger)
	return nil
}

// commit compiles against the current head and activates. The returned
// stage names the step that failed.
func (p *Pipeline) commit(ctx context.Context, principle policy.Principle, res *Result) (policy.Stage, error) {
	var rule *policy.CompiledPolicyRule
	err := p.stage(ctx, policy.StageCompile, func(ctx context.Context) error {
		res.CompileAttempts++
		prior, err := p.compiler.Head(ctx, res.Candidate.Domain)
		if err != nil {
			return err
		}
		rule, err = p.compiler.Compile(ctx, res.Candidate, res.Verification, prior)
		return err
	})
	if err != nil {
		return policy.StageCompile, err
	}
	p.record(ctx, principle, audit.Record{
		Domain:  rule.Domain,
		Stage:   policy.StageCompile,
		Kind:    audit.KindCompiled,
		Payload: audit.Payload(rule),
	})

	err = p.stage(ctx, policy.StageActivate, func(ctx context.Context) error {
		// Last point at which cancellation aborts the transaction.
		if err := ctx.Err(); err != nil {
			return err
		}
		active, err := p.compiler.Activate(ctx, rule)
		if err != nil {
			return err
		}
		res.Rule = active
		return nil
	})
	if err != nil {
		p.compiler.Release(rule.Domain, rule.ID)
		return policy.StageActivate, err
	}
	p.record(ctx, principle, audit.Record{
		Domain:  res.Rule.Domain,
		Stage:   policy.StageActivate,
		Kind:    audit.KindActivated,
		Payload: audit.Payload(res.Rule),
	})
	return "", nil
}

// publish delivers the activation event after commit. Failures are
// reported on the result and never undo the activation.
func (p *Pipeline) publish(parent context.Context, principle policy.Principle, res *Result, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.config.PublishTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= p.config.PublishAttempts; attempt++ {
		if err = p.publisher.Publish(ctx, res.Rule); err == nil {
			return
		}
		if attempt < p.config.PublishAttempts {
			if serr := sleep(ctx, p.config.ConflictBackoff<<(attempt-1)); serr != nil {
				break
			}
		}
	}

	perr := &policy.Error{
		Kind:   policy.KindActivationFailed,
		Stage:  policy.StageActivate,
		Domain: res.Rule.Domain,
		Err:    fmt.Errorf("rule %s committed but not announced: %w", res.Rule.ID, err),
	}
	res.PublishError = perr.Error()
	p.metrics.ObservePublishFailure()
	logger.Error("Activation event not delivered",
		"domain", res.Rule.Domain,
		"rule_id", res.Rule.ID,
		"error", err)
	p.record(parent, principle, audit.Record{
		Domain: res.Rule.Domain,
		Stage:  policy.StageActivate,
		Kind:   audit.KindPublishFailed,
		Error:  perr.Error(),
	})
}

// stage runs fn inside a span and records its duration.
func (p *Pipeline) stage(ctx context.Context, stage policy.Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "governance."+string(stage))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(stage, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// abort converts a stage failure into the transaction error and audits it.
func (p *Pipeline) abort(parent, txCtx context.Context, principle policy.Principle, stage policy.Stage, err error) error {
	var perr *policy.Error
	switch {
	case parent.Err() != nil:
		perr = &policy.Error{Kind: policy.KindCancelled, Stage: stage, Err: err}
	case txCtx.Err() != nil && (policy.KindOf(err) == "" || errors.Is(err, context.DeadlineExceeded)):
		perr = &policy.Error{
			Kind:  policy.KindTransactionTimeout,
			Stage: stage,
			Err:   fmt.Errorf("transaction deadline %s exceeded: %w", p.config.TransactionTimeout, err),
		}
	default:
		perr = policy.WithStage(err, stage, fallbackKind(stage))
	}
	if perr.Domain == "" {
		perr.Domain = principle.Domain()
	}
	p.auditFailure(parent, principle, perr)
	return perr
}

func (p *Pipeline) auditFailure(ctx context.Context, principle policy.Principle, perr *policy.Error) {
	p.record(ctx, principle, audit.Record{
		Stage:       perr.Stage,
		Kind:        audit.KindStageFailed,
		AdapterID:   perr.AdapterID,
		Verdict:     perr.Verdict,
		EvidenceRef: perr.EvidenceRef,
		Payload:     audit.Payload(map[string]string{"kind": string(perr.Kind), "conflict_version": perr.ConflictVersion}),
		Error:       perr.Error(),
	})
}

func (p *Pipeline) record(ctx context.Context, principle policy.Principle, rec audit.Record) {
	rec.TransactionID = TransactionID(ctx)
	rec.PrincipleID = principle.ID
	if rec.Domain == "" {
		rec.Domain = principle.Domain()
	}
	p.audit.Record(ctx, rec)
}

func fallbackKind(stage policy.Stage) policy.ErrorKind {
	switch stage {
	case policy.StageVerify:
		return policy.KindVerifierUnavailable
	case policy.StageCompile:
		return policy.KindStorageUnavailable
	case policy.StageActivate:
		return policy.KindActivationFailed
	default:
		return policy.KindAdapterUnavailable
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
