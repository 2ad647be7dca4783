// Package ensemble fans a synthesis prompt out to every adapter, ranks the
// usable answers deterministically and folds them into a candidate policy.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/policy"
	"github.com/c360studio/semgov/reliability"
)

// Outcome is the result of one adapter's logical call.
type Outcome struct {
	AdapterID string
	Response  *policy.ModelResponse
	Err       error
	Attempts  int
}

// Usable reports whether the outcome can take part in aggregation.
func (o Outcome) Usable() bool {
	return o.Err == nil && o.Response != nil
}

// Observer receives every outcome, usable or not, before aggregation.
// It is called from the fan-out goroutines and must be safe for
// concurrent use.
type Observer func(ctx context.Context, principle policy.Principle, o Outcome)

// Coordinator runs the ensemble. It is safe for concurrent use.
type Coordinator struct {
	guard    *reliability.Guard
	config   Config
	catalog  Catalog
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCatalog sets the source of adapter priorities and weights.
func WithCatalog(c Catalog) Option {
	return func(co *Coordinator) {
		co.catalog = c
	}
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(co *Coordinator) {
		co.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(co *Coordinator) {
		co.logger = logger
	}
}

// WithNow sets the time source used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(co *Coordinator) {
		co.now = now
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(guard *reliability.Guard, cfg Config, opts ...Option) (*Coordinator, error) {
	if guard == nil {
		return nil, fmt.Errorf("reliability guard is required")
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if err := cfg.Validate(); err != nil {
		return nil, policy.NewError(policy.KindConfiguration, err)
	}

	c := &Coordinator{
		guard:   guard,
		config:  cfg,
		catalog: uniformCatalog{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Synthesize invokes every adapter concurrently through the reliability
// guard and aggregates the usable responses with strategy. An empty
// strategy uses the configured default.
//
// Fails with InsufficientQuorum when fewer than MinQuorum responses are
// usable, or with AdapterMalformedResponse when every failed adapter
// returned output that could not be parsed, and with ComplianceBelowThreshold when the aggregate compliance
// is below the threshold. A cancelled caller context is returned as is.
func (c *Coordinator) Synthesize(ctx context.Context, principle policy.Principle, adapters []llm.Adapter, strategy policy.Strategy) (*policy.CandidatePolicy, error) {
	if strategy == "" {
		strategy = c.config.Strategy
	}
	strategy, err := policy.ParseStrategy(string(strategy))
	if err != nil {
		return nil, policy.NewError(policy.KindConfiguration, err)
	}

	outcomes := c.fanOut(ctx, principle, adapters)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		usable    []*policy.ModelResponse
		failures  []error
		malformed []string
	)
	for _, o := range outcomes {
		if o.Usable() {
			usable = append(usable, o.Response)
			continue
		}
		failures = append(failures, o.Err)
		if policy.KindOf(o.Err) == policy.KindAdapterMalformedResponse {
			malformed = append(malformed, o.AdapterID)
		}
	}

	if len(usable) < c.config.MinQuorum {
		c.logger.Warn("Ensemble quorum not met",
			"principle_id", principle.ID,
			"usable", len(usable),
			"malformed", len(malformed),
			"min_quorum", c.config.MinQuorum,
			"adapters", len(adapters))
		if len(failures) > 0 && len(malformed) == len(failures) {
			perr := &policy.Error{
				Kind:   policy.KindAdapterMalformedResponse,
				Stage:  policy.StageSynthesize,
				Domain: principle.Domain(),
				Err: fmt.Errorf("%d of %d adapters returned malformed output: %w",
					len(malformed), len(adapters), errors.Join(failures...)),
			}
			if len(malformed) == 1 {
				perr.AdapterID = malformed[0]
			}
			return nil, perr
		}
		return nil, &policy.Error{
			Kind:   policy.KindInsufficientQuorum,
			Domain: principle.Domain(),
			Err: fmt.Errorf("%d of %d adapters usable, need %d: %w",
				len(usable), len(adapters), c.config.MinQuorum, errors.Join(failures...)),
		}
	}

	ranked := Rank(usable, c.config.Weights, c.config.Deadline, c.catalog)
	text, compliance, confidence, contributors := aggregate(ranked, strategy)

	if compliance < c.config.ComplianceThreshold {
		return nil, &policy.Error{
			Kind:      policy.KindComplianceBelowThreshold,
			AdapterID: ranked[0].Response.AdapterID,
			Domain:    principle.Domain(),
			Err: fmt.Errorf("aggregate compliance %.4f below threshold %.4f",
				compliance, c.config.ComplianceThreshold),
		}
	}

	candidate := &policy.CandidatePolicy{
		ID:                     uuid.NewString(),
		SourcePrincipleID:      principle.ID,
		PrincipleVersion:       principle.Version,
		Domain:                 principle.Domain(),
		AggregatedRuleText:     text,
		AggregateConfidence:    confidence,
		AggregateCompliance:    compliance,
		ContributingAdapterIDs: contributors,
		AggregationStrategy:    strategy,
		CreatedAt:              c.now().UTC(),
	}

	c.logger.Info("Candidate synthesized",
		"principle_id", principle.ID,
		"candidate_id", candidate.ID,
		"winner", ranked[0].Response.AdapterID,
		"score", ranked[0].Score,
		"compliance", compliance,
		"strategy", strategy,
		"usable", len(usable))

	return candidate, nil
}

// fanOut calls every adapter once under the ensemble deadline. Outcomes
// keep the adapter order; late responses come back as errors.
func (c *Coordinator) fanOut(ctx context.Context, principle policy.Principle, adapters []llm.Adapter) []Outcome {
	outcomes := make([]Outcome, len(adapters))
	if len(adapters) == 0 {
		return outcomes
	}

	callCtx, cancel := context.WithTimeoutCause(ctx, c.config.Deadline, reliability.ErrCallDeadline)
	defer cancel()

	prompt := llm.BuildPrompt(principle)
	params := llm.Parameters{Temperature: c.config.Temperature, JSONMode: true}

	g := new(errgroup.Group)
	g.SetLimit(len(adapters))
	for i, adapter := range adapters {
		g.Go(func() error {
			resp, attempts, err := c.guard.Call(callCtx, adapter, prompt, params)
			if err != nil && ctx.Err() == nil && callCtx.Err() != nil && policy.KindOf(err) == "" {
				err = &policy.Error{
					Kind:      policy.KindAdapterTimeout,
					AdapterID: adapter.ID(),
					Err:       fmt.Errorf("ensemble deadline %s exceeded: %w", c.config.Deadline, err),
				}
			}
			o := Outcome{AdapterID: adapter.ID(), Response: resp, Err: err, Attempts: attempts}
			outcomes[i] = o

			if err != nil {
				c.logger.Debug("Adapter produced no usable response",
					"adapter_id", adapter.ID(),
					"principle_id", principle.ID,
					"attempts", attempts,
					"error", err)
			}
			if c.observer != nil {
				c.observer(ctx, principle, o)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
