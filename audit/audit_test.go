package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semgov/policy"
)

func sampleRecord(tx, kind string) Record {
	return Record{
		ID:            tx + "-" + kind,
		TransactionID: tx,
		PrincipleID:   "p-1",
		Domain:        "privacy",
		Stage:         policy.StageVerify,
		Kind:          kind,
		Payload:       Payload(map[string]string{"rule_text": "MUST encrypt"}),
		Verdict:       policy.VerdictRefuted,
		EvidenceRef:   "cex://42",
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteSink(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, sampleRecord("tx-1", KindCandidate)))
	require.NoError(t, sink.Append(ctx, sampleRecord("tx-1", KindVerification)))
	require.NoError(t, sink.Append(ctx, sampleRecord("tx-2", KindCandidate)))

	recs, err := sink.List(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, KindCandidate, recs[0].Kind)
	assert.Equal(t, KindVerification, recs[1].Kind)
	assert.Equal(t, policy.VerdictRefuted, recs[1].Verdict)
	assert.Equal(t, "cex://42", recs[1].EvidenceRef)
	assert.JSONEq(t, `{"rule_text":"MUST encrypt"}`, string(recs[1].Payload))
	assert.True(t, recs[0].CreatedAt.Equal(sampleRecord("", "").CreatedAt))

	// Duplicate ids are rejected.
	assert.Error(t, sink.Append(ctx, sampleRecord("tx-1", KindCandidate)))
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, sampleRecord("a", KindCandidate)))
	require.NoError(t, sink.Append(ctx, sampleRecord("b", KindCandidate)))

	recs, err := sink.List(ctx, "b")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, sink.All(), 2)
}

type failingSink struct{}

func (failingSink) Append(context.Context, Record) error { return errors.New("disk full") }

func TestMulti(t *testing.T) {
	mem := NewMemorySink()
	err := Multi{failingSink{}, mem}.Append(context.Background(), sampleRecord("tx", KindCompiled))
	require.Error(t, err)
	assert.Len(t, mem.All(), 1)
}

func TestLogger_FillsAndSwallows(t *testing.T) {
	var buf bytes.Buffer
	mem := NewMemorySink()
	l := NewLogger(Multi{mem, failingSink{}}, slog.New(slog.NewTextHandler(&buf, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, Record{TransactionID: "tx", Kind: KindStageFailed})

	recs := mem.All()
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
	assert.False(t, recs[0].CreatedAt.IsZero())
	assert.Contains(t, buf.String(), "Audit append failed")

	var nilLogger *Logger
	nilLogger.Record(ctx, Record{})
}

func TestPayload(t *testing.T) {
	assert.Nil(t, Payload(nil))
	assert.JSONEq(t, `{"a":1}`, string(Payload(map[string]int{"a": 1})))
	assert.Contains(t, string(Payload(func() {})), "encode_error")
}

type fakeRow struct{ n int }

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*int)) = r.n
	return nil
}

type fakePG struct {
	sql  string
	args []any
}

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakePG) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{n: 3}
}

func TestPostgresSink(t *testing.T) {
	db := &fakePG{}
	sink := &PostgresSink{DB: db}

	rec := sampleRecord("tx-9", KindVerification)
	require.NoError(t, sink.Append(context.Background(), rec))
	assert.Contains(t, db.sql, "INSERT INTO governance_audit")
	require.Len(t, db.args, 12)
	assert.Equal(t, "tx-9", db.args[1])
	assert.Equal(t, "verify", db.args[4])

	rec.Payload = nil
	require.NoError(t, sink.Append(context.Background(), rec))
	assert.Nil(t, db.args[7])

	n, err := sink.Count(context.Background(), "tx-9")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
