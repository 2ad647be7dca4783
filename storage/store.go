// Package storage persists the append-only, hash-linked rule chain of every
// policy domain.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/semgov/policy"
)

// ErrNotFound is returned when a rule is not found.
var ErrNotFound = errors.New("rule not found")

// ChainStore persists compiled rules. Append is a compare-and-set on the
// domain head: it succeeds only when the persisted head is the rule's
// predecessor. Stored rules are never modified.
type ChainStore interface {
	// Head returns the newest rule of domain, or nil when the domain is empty.
	Head(ctx context.Context, domain string) (*policy.CompiledPolicyRule, error)

	// Append persists rule as the new head of its domain. It fails with a
	// ChainConflict error when the persisted head is not rule.Predecessor.
	Append(ctx context.Context, rule *policy.CompiledPolicyRule) error

	// Get returns a rule by id or ErrNotFound.
	Get(ctx context.Context, id string) (*policy.CompiledPolicyRule, error)

	// History returns the chain of domain, oldest first.
	History(ctx context.Context, domain string) ([]*policy.CompiledPolicyRule, error)

	// Domains lists every domain with at least one rule, sorted.
	Domains(ctx context.Context) ([]string, error)

	Close() error
}

// headID returns the id of head, or "" for an empty domain.
func headID(head *policy.CompiledPolicyRule) string {
	if head == nil {
		return ""
	}
	return head.ID
}

// checkAppend validates rule against the current head.
func checkAppend(rule, head *policy.CompiledPolicyRule) error {
	if rule == nil || rule.ID == "" || rule.Domain == "" {
		return policy.Errorf(policy.KindIntegrityViolation, "rule id and domain are required")
	}
	if rule.Predecessor != headID(head) {
		return conflict(rule.Domain, headID(head))
	}
	want := 1
	if head != nil {
		want = head.Version + 1
	}
	if rule.Version != want {
		return &policy.Error{
			Kind:   policy.KindIntegrityViolation,
			Domain: rule.Domain,
			Err:    fmt.Errorf("rule %s has version %d, expected %d", rule.ID, rule.Version, want),
		}
	}
	return nil
}

func conflict(domain, head string) error {
	return &policy.Error{
		Kind:            policy.KindChainConflict,
		Domain:          domain,
		ConflictVersion: head,
		Err:             fmt.Errorf("persisted head of %s has moved", domain),
	}
}

func unavailable(op string, err error) error {
	return policy.NewError(policy.KindStorageUnavailable, fmt.Errorf("%s: %w", op, err))
}

func cloneRule(r *policy.CompiledPolicyRule) *policy.CompiledPolicyRule {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}
