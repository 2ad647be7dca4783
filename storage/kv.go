package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semgov/policy"
)

// Bucket names for the JetStream KV chain store.
const (
	BucketRules = "SEMGOV_RULES"
	BucketHeads = "SEMGOV_HEADS"
)

// KVChainStore persists chains in two NATS KV buckets: rules keyed by id
// and heads keyed by domain. Heads advance with revision-checked updates.
type KVChainStore struct {
	rules jetstream.KeyValue
	heads jetstream.KeyValue
}

var _ ChainStore = (*KVChainStore)(nil)

// kvHead is the value stored per domain in the heads bucket.
type kvHead struct {
	RuleID  string `json:"rule_id"`
	Version int    `json:"version"`
}

// NewKVChainStore creates a store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewKVChainStore(ctx context.Context, js jetstream.JetStream) (*KVChainStore, error) {
	rules, err := getOrCreateBucket(ctx, js, BucketRules, 1)
	if err != nil {
		return nil, fmt.Errorf("create rules bucket: %w", err)
	}

	heads, err := getOrCreateBucket(ctx, js, BucketHeads, 5)
	if err != nil {
		return nil, fmt.Errorf("create heads bucket: %w", err)
	}

	return &KVChainStore{rules: rules, heads: heads}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semgov %s storage", strings.ToLower(name)),
		History:     history,
	})
}

// domainKey encodes a domain into the KV key alphabet.
func domainKey(domain string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(domain))
}

func keyDomain(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *KVChainStore) readHead(ctx context.Context, domain string) (*kvHead, uint64, error) {
	entry, err := s.heads.Get(ctx, domainKey(domain))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, unavailable("read head", err)
	}
	var h kvHead
	if err := json.Unmarshal(entry.Value(), &h); err != nil {
		return nil, 0, fmt.Errorf("unmarshal head: %w", err)
	}
	return &h, entry.Revision(), nil
}

// Head implements ChainStore.
func (s *KVChainStore) Head(ctx context.Context, domain string) (*policy.CompiledPolicyRule, error) {
	h, _, err := s.readHead(ctx, domain)
	if err != nil || h == nil {
		return nil, err
	}
	return s.Get(ctx, h.RuleID)
}

// Append implements ChainStore.
func (s *KVChainStore) Append(ctx context.Context, rule *policy.CompiledPolicyRule) error {
	h, revision, err := s.readHead(ctx, rule.Domain)
	if err != nil {
		return err
	}
	var head *policy.CompiledPolicyRule
	if h != nil {
		head = &policy.CompiledPolicyRule{ID: h.RuleID, Version: h.Version}
	}
	if err := checkAppend(rule, head); err != nil {
		return err
	}

	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	// Rules are content addressed, so rewriting an orphan from a lost race
	// stores identical bytes.
	if _, err := s.rules.Put(ctx, rule.ID, data); err != nil {
		return unavailable("store rule", err)
	}

	headData, err := json.Marshal(kvHead{RuleID: rule.ID, Version: rule.Version})
	if err != nil {
		return fmt.Errorf("marshal head: %w", err)
	}
	if h == nil {
		_, err = s.heads.Create(ctx, domainKey(rule.Domain), headData)
	} else {
		_, err = s.heads.Update(ctx, domainKey(rule.Domain), headData, revision)
	}
	if err != nil {
		if isRevisionMismatch(err) {
			return conflict(rule.Domain, headID(head))
		}
		return unavailable("advance head", err)
	}
	return nil
}

// isRevisionMismatch reports whether a Create or Update lost a race.
func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}

// Get implements ChainStore.
func (s *KVChainStore) Get(ctx context.Context, id string) (*policy.CompiledPolicyRule, error) {
	entry, err := s.rules.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get rule", err)
	}
	var r policy.CompiledPolicyRule
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return &r, nil
}

// History implements ChainStore. It walks predecessor links back from the
// head, so rules orphaned by a lost race are never included.
func (s *KVChainStore) History(ctx context.Context, domain string) ([]*policy.CompiledPolicyRule, error) {
	head, err := s.Head(ctx, domain)
	if err != nil || head == nil {
		return nil, err
	}

	chain := []*policy.CompiledPolicyRule{head}
	for cur := head; cur.Predecessor != ""; {
		prev, err := s.Get(ctx, cur.Predecessor)
		if err != nil {
			return nil, fmt.Errorf("load predecessor %s: %w", cur.Predecessor, err)
		}
		chain = append(chain, prev)
		cur = prev
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Domains implements ChainStore.
func (s *KVChainStore) Domains(ctx context.Context) ([]string, error) {
	keys, err := s.heads.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, unavailable("list domains", err)
	}

	domains := make([]string, 0, len(keys))
	for _, key := range keys {
		d, err := keyDomain(key)
		if err != nil {
			continue // Skip keys written by something else
		}
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains, nil
}

// Close implements ChainStore. The NATS connection is owned by the caller.
func (s *KVChainStore) Close() error {
	return nil
}
