package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semgov/policy"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS policy_rules (
	rule_id        TEXT PRIMARY KEY,
	domain         TEXT NOT NULL,
	version        INTEGER NOT NULL,
	predecessor_id TEXT,
	body           BLOB NOT NULL,
	signature      TEXT NOT NULL,
	key_id         TEXT NOT NULL,
	diff           TEXT,
	activated_at   TEXT NOT NULL,
	UNIQUE (domain, version),
	FOREIGN KEY (predecessor_id) REFERENCES policy_rules(rule_id)
);

CREATE TABLE IF NOT EXISTS chain_heads (
	domain   TEXT PRIMARY KEY,
	rule_id  TEXT NOT NULL,
	version  INTEGER NOT NULL,
	FOREIGN KEY (rule_id) REFERENCES policy_rules(rule_id)
);
`

const ruleColumns = `rule_id, domain, version, predecessor_id, body, signature, key_id, diff, activated_at`

// SQLiteChainStore persists chains in a SQLite database. The head of each
// domain is advanced inside the same transaction that inserts the rule.
type SQLiteChainStore struct {
	db *sql.DB
}

var _ ChainStore = (*SQLiteChainStore)(nil)

// NewSQLiteChainStore opens a SQLite database and runs migrations.
func NewSQLiteChainStore(dbPath string) (*SQLiteChainStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteChainStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*policy.CompiledPolicyRule, error) {
	var (
		r           policy.CompiledPolicyRule
		predecessor sql.NullString
		diff        sql.NullString
		activatedAt string
	)
	if err := row.Scan(&r.ID, &r.Domain, &r.Version, &predecessor, &r.Body,
		&r.Signature, &r.KeyID, &diff, &activatedAt); err != nil {
		return nil, err
	}
	r.Predecessor = predecessor.String
	r.Diff = diff.String
	if r.Predecessor != "" {
		r.PredecessorVersion = r.Version - 1
	}
	t, err := time.Parse(time.RFC3339Nano, activatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse activated_at: %w", err)
	}
	r.ActivatedAt = t
	return &r, nil
}

// Head implements ChainStore.
func (s *SQLiteChainStore) Head(ctx context.Context, domain string) (*policy.CompiledPolicyRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM policy_rules
		 WHERE rule_id = (SELECT rule_id FROM chain_heads WHERE domain = ?)`, domain)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read head", err)
	}
	return r, nil
}

// Append implements ChainStore.
func (s *SQLiteChainStore) Append(ctx context.Context, rule *policy.CompiledPolicyRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	var head *policy.CompiledPolicyRule
	var headRuleID string
	var headVersion int
	err = tx.QueryRowContext(ctx, `SELECT rule_id, version FROM chain_heads WHERE domain = ?`, rule.Domain).
		Scan(&headRuleID, &headVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return unavailable("read head", err)
	default:
		head = &policy.CompiledPolicyRule{ID: headRuleID, Version: headVersion}
	}
	if err := checkAppend(rule, head); err != nil {
		return err
	}

	var predecessor any
	if rule.Predecessor != "" {
		predecessor = rule.Predecessor
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO policy_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Domain, rule.Version, predecessor, rule.Body, rule.Signature,
		rule.KeyID, rule.Diff, rule.ActivatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return unavailable("insert rule", err)
	}

	var res sql.Result
	if head == nil {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO chain_heads (domain, rule_id, version) VALUES (?, ?, ?)
			 ON CONFLICT(domain) DO NOTHING`,
			rule.Domain, rule.ID, rule.Version)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE chain_heads SET rule_id = ?, version = ? WHERE domain = ? AND rule_id = ?`,
			rule.ID, rule.Version, rule.Domain, head.ID)
	}
	if err != nil {
		return unavailable("advance head", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return conflict(rule.Domain, headRuleID)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Get implements ChainStore.
func (s *SQLiteChainStore) Get(ctx context.Context, id string) (*policy.CompiledPolicyRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM policy_rules WHERE rule_id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get rule", err)
	}
	return r, nil
}

// History implements ChainStore.
func (s *SQLiteChainStore) History(ctx context.Context, domain string) ([]*policy.CompiledPolicyRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM policy_rules WHERE domain = ? ORDER BY version ASC`, domain)
	if err != nil {
		return nil, unavailable("query history", err)
	}
	defer rows.Close()

	var out []*policy.CompiledPolicyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, unavailable("scan rule", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate history", err)
	}
	return out, nil
}

// Domains implements ChainStore.
func (s *SQLiteChainStore) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM chain_heads ORDER BY domain`)
	if err != nil {
		return nil, unavailable("query domains", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, unavailable("scan domain", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DB returns the underlying *sql.DB so the audit sink can share the file.
func (s *SQLiteChainStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLiteChainStore) Close() error {
	return s.db.Close()
}
