package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the audit table. It is applied by NewPostgresSink.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS governance_audit (
	id             UUID PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	principle_id   TEXT NOT NULL,
	domain         TEXT NOT NULL,
	stage          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	adapter_id     TEXT,
	payload        JSONB,
	verdict        TEXT,
	evidence_ref   TEXT,
	error          TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS governance_audit_tx ON governance_audit (transaction_id, created_at);
`

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink stores records in PostgreSQL.
type PostgresSink struct {
	DB pgDB
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink connects a pool to dsn and applies PostgresSchema.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &PostgresSink{DB: pool}, pool, nil
}

// Append implements Sink.
func (p *PostgresSink) Append(ctx context.Context, rec Record) error {
	var payload any
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}
	_, err := p.DB.Exec(ctx, `
		INSERT INTO governance_audit
		(id, transaction_id, principle_id, domain, stage, kind, adapter_id, payload, verdict, evidence_ref, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.TransactionID, rec.PrincipleID, rec.Domain, string(rec.Stage), rec.Kind,
		rec.AdapterID, payload, string(rec.Verdict), rec.EvidenceRef, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Count returns the number of records for a transaction.
func (p *PostgresSink) Count(ctx context.Context, transactionID string) (int, error) {
	var n int
	row := p.DB.QueryRow(ctx, `SELECT count(*) FROM governance_audit WHERE transaction_id=$1`, transactionID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}
