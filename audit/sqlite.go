package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/c360studio/semgov/policy"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	transaction_id TEXT NOT NULL,
	principle_id   TEXT NOT NULL,
	domain         TEXT NOT NULL,
	stage          TEXT NOT NULL,
	kind           TEXT NOT NULL,
	adapter_id     TEXT,
	payload        BLOB,
	verdict        TEXT,
	evidence_ref   TEXT,
	error          TEXT,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_tx ON audit_records(transaction_id);
`

// SQLiteSink stores records in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

var (
	_ Sink   = (*SQLiteSink)(nil)
	_ Reader = (*SQLiteSink)(nil)
)

// NewSQLiteSink opens a SQLite database and runs migrations.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records
		(id, transaction_id, principle_id, domain, stage, kind, adapter_id, payload, verdict, evidence_ref, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TransactionID, rec.PrincipleID, rec.Domain, string(rec.Stage), rec.Kind,
		rec.AdapterID, []byte(rec.Payload), string(rec.Verdict), rec.EvidenceRef, rec.Error,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// List implements Reader.
func (s *SQLiteSink) List(ctx context.Context, transactionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, principle_id, domain, stage, kind, adapter_id, payload, verdict, evidence_ref, error, created_at
		FROM audit_records WHERE transaction_id = ? ORDER BY seq
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                          Record
			stage, verdict, created      string
			adapterID, evidence, errText sql.NullString
			payload                      []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TransactionID, &rec.PrincipleID, &rec.Domain, &stage, &rec.Kind,
			&adapterID, &payload, &verdict, &evidence, &errText, &created); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Stage = policy.Stage(stage)
		rec.Verdict = policy.Verdict(verdict)
		rec.AdapterID = adapterID.String
		rec.EvidenceRef = evidence.String
		rec.Error = errText.String
		if len(payload) > 0 {
			rec.Payload = payload
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
