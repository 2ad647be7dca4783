package compiler

import (
	"context"
	"fmt"

	"github.com/c360studio/semgov/policy"
)

// VerifyRule re-derives the id of r from its body and predecessor and
// checks its signature.
func VerifyRule(r *policy.CompiledPolicyRule, keys Keyring) error {
	if want := RuleID(r.Body, r.Predecessor); r.ID != want {
		return fmt.Errorf("rule %s: content hash mismatch, body hashes to %s", r.ID, want)
	}
	if err := keys.Verify(r); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

// VerifyChain checks every link of a domain chain, oldest first: content
// hashes, predecessor links, version numbering and signatures.
func VerifyChain(chain []*policy.CompiledPolicyRule, keys Keyring) error {
	var prev *policy.CompiledPolicyRule
	for i, r := range chain {
		fail := func(format string, args ...any) error {
			return &policy.Error{
				Kind:   policy.KindIntegrityViolation,
				Domain: r.Domain,
				Err:    fmt.Errorf("link %d: "+format, append([]any{i}, args...)...),
			}
		}

		if err := VerifyRule(r, keys); err != nil {
			return fail("%v", err)
		}
		if r.Predecessor != headID(prev) {
			return fail("rule %s links to %q, expected %q", r.ID, r.Predecessor, headID(prev))
		}
		want := 1
		if prev != nil {
			want = prev.Version + 1
			if r.Domain != prev.Domain {
				return fail("rule %s changes domain from %s", r.ID, prev.Domain)
			}
		}
		if r.Version != want {
			return fail("rule %s has version %d, expected %d", r.ID, r.Version, want)
		}
		prev = r
	}
	return nil
}

// VerifyDomain loads the chain of domain and verifies it with the
// compiler's own key plus any extra keys.
func (c *Compiler) VerifyDomain(ctx context.Context, domain string, extra Keyring) ([]*policy.CompiledPolicyRule, error) {
	chain, err := c.store.History(ctx, domain)
	if err != nil {
		return nil, err
	}
	keys := Keyring{}
	keys.Add(c.signer.PublicKey())
	for id, pub := range extra {
		keys[id] = pub
	}
	return chain, VerifyChain(chain, keys)
}
