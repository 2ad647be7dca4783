// Package audit keeps the per-transaction evidence trail: raw adapter
// outputs, rejected candidates, verdicts and stage failures.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semgov/policy"
)

// Event kinds recorded by the pipeline.
const (
	KindAdapterResponse = "adapter_response"
	KindAdapterError    = "adapter_error"
	KindCandidate       = "candidate"
	KindVerification    = "verification"
	KindCompiled        = "compiled"
	KindActivated       = "activated"
	KindPublishFailed   = "publish_failed"
	KindStageFailed     = "stage_failed"
)

// Record is one audit log entry.
type Record struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	PrincipleID   string          `json:"principle_id"`
	Domain        string          `json:"domain"`
	Stage         policy.Stage    `json:"stage"`
	Kind          string          `json:"kind"`
	AdapterID     string          `json:"adapter_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Verdict       policy.Verdict  `json:"verdict,omitempty"`
	EvidenceRef   string          `json:"evidence_ref,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Sink appends audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Reader lists the records of one transaction in insertion order.
type Reader interface {
	List(ctx context.Context, transactionID string) ([]Record, error)
}

// Multi appends to every sink and joins their errors.
type Multi []Sink

// Append implements Sink.
func (m Multi) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Payload encodes v for Record.Payload. Values that can't be encoded are
// recorded as a JSON string of their error.
func Payload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return data
}

// Logger fills record ids and timestamps and never fails its caller:
// sink errors are logged and dropped.
type Logger struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger wraps sink. A nil sink discards records.
func NewLogger(sink Sink, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{sink: sink, logger: logger, now: time.Now}
}

// Record appends rec, assigning an id and timestamp when missing.
func (l *Logger) Record(ctx context.Context, rec Record) {
	if l == nil || l.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	// Audit writes outlive a cancelled transaction.
	if err := l.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("Audit append failed",
			"transaction_id", rec.TransactionID,
			"kind", rec.Kind,
			"error", err)
	}
}
