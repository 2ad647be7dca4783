package pipeline

import (
	"context"

	"github.com/c360studio/semgov/audit"
	"github.com/c360studio/semgov/ensemble"
	"github.com/c360studio/semgov/metrics"
	"github.com/c360studio/semgov/policy"
)

type txKey struct{}

// WithTransactionID tags ctx with a transaction id.
func WithTransactionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, txKey{}, id)
}

// TransactionID returns the transaction id carried by ctx, if any.
func TransactionID(ctx context.Context) string {
	id, _ := ctx.Value(txKey{}).(string)
	return id
}

// AdapterObserver returns an ensemble observer that writes every raw
// adapter response and failure to the audit log and counts it. Pass it to
// ensemble.WithObserver when wiring the coordinator used by a Pipeline.
func AdapterObserver(log *audit.Logger, m *metrics.Metrics) ensemble.Observer {
	return func(ctx context.Context, principle policy.Principle, o ensemble.Outcome) {
		m.ObserveAdapter(o.AdapterID, o.Response, o.Err)

		rec := audit.Record{
			TransactionID: TransactionID(ctx),
			PrincipleID:   principle.ID,
			Domain:        principle.Domain(),
			Stage:         policy.StageSynthesize,
			AdapterID:     o.AdapterID,
		}
		if o.Usable() {
			rec.Kind = audit.KindAdapterResponse
			rec.Payload = audit.Payload(o.Response)
		} else {
			rec.Kind = audit.KindAdapterError
			rec.Payload = audit.Payload(map[string]any{"attempts": o.Attempts})
			if o.Err != nil {
				rec.Error = o.Err.Error()
			}
			// Malformed responses still carry the raw output.
			if o.Response != nil {
				rec.Payload = audit.Payload(o.Response)
			}
		}
		log.Record(ctx, rec)
	}
}
