package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semgov/policy"
)

// Outcome is the result of one principle in a batch.
type Outcome struct {
	Principle policy.Principle
	Result    *Result
	Err       error
}

// RunBatch runs one transaction per principle, at most
// MaxConcurrentTransactions at a time. Outcomes keep the input order.
// Transactions on the same domain serialize through the compiler's
// conflict handling.
func (p *Pipeline) RunBatch(ctx context.Context, principles []policy.Principle) []Outcome {
	out := make([]Outcome, len(principles))

	g := new(errgroup.Group)
	g.SetLimit(p.config.MaxConcurrentTransactions)
	for i, principle := range principles {
		g.Go(func() error {
			res, err := p.Run(ctx, principle)
			out[i] = Outcome{Principle: principle, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
