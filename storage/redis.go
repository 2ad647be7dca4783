package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/semgov/policy"
)

// RedisChainStore persists chains in Redis. The head key of a domain is
// WATCHed so a concurrent writer aborts the append transaction.
type RedisChainStore struct {
	client *redis.Client
	prefix string
}

var _ ChainStore = (*RedisChainStore)(nil)

// NewRedisChainStore wraps a client. prefix namespaces every key.
func NewRedisChainStore(client *redis.Client, prefix string) *RedisChainStore {
	if prefix == "" {
		prefix = "semgov"
	}
	return &RedisChainStore{client: client, prefix: prefix}
}

func (s *RedisChainStore) ruleKey(id string) string {
	return s.prefix + ":rule:" + id
}

func (s *RedisChainStore) headKey(domain string) string {
	return s.prefix + ":head:" + domain
}

func (s *RedisChainStore) chainKey(domain string) string {
	return s.prefix + ":chain:" + domain
}

func (s *RedisChainStore) domainsKey() string {
	return s.prefix + ":domains"
}

// Head implements ChainStore.
func (s *RedisChainStore) Head(ctx context.Context, domain string) (*policy.CompiledPolicyRule, error) {
	id, err := s.client.Get(ctx, s.headKey(domain)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read head", err)
	}
	return s.Get(ctx, id)
}

// Append implements ChainStore.
func (s *RedisChainStore) Append(ctx context.Context, rule *policy.CompiledPolicyRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	headKey := s.headKey(rule.Domain)

	txf := func(tx *redis.Tx) error {
		var head *policy.CompiledPolicyRule
		id, err := tx.Get(ctx, headKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return unavailable("read head", err)
		default:
			raw, err := tx.Get(ctx, s.ruleKey(id)).Bytes()
			if err != nil {
				return unavailable("read head rule", err)
			}
			head = &policy.CompiledPolicyRule{}
			if err := json.Unmarshal(raw, head); err != nil {
				return fmt.Errorf("unmarshal head: %w", err)
			}
		}
		if err := checkAppend(rule, head); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.ruleKey(rule.ID), data, 0)
			pipe.Set(ctx, headKey, rule.ID, 0)
			pipe.RPush(ctx, s.chainKey(rule.Domain), rule.ID)
			pipe.SAdd(ctx, s.domainsKey(), rule.Domain)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, headKey)
	if errors.Is(err, redis.TxFailedErr) {
		head, _ := s.client.Get(ctx, headKey).Result()
		return conflict(rule.Domain, head)
	}
	if err != nil {
		if _, ok := policy.AsError(err); ok {
			return err
		}
		return unavailable("append rule", err)
	}
	return nil
}

// Get implements ChainStore.
func (s *RedisChainStore) Get(ctx context.Context, id string) (*policy.CompiledPolicyRule, error) {
	raw, err := s.client.Get(ctx, s.ruleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get rule", err)
	}
	var r policy.CompiledPolicyRule
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return &r, nil
}

// History implements ChainStore.
func (s *RedisChainStore) History(ctx context.Context, domain string) ([]*policy.CompiledPolicyRule, error) {
	ids, err := s.client.LRange(ctx, s.chainKey(domain), 0, -1).Result()
	if err != nil {
		return nil, unavailable("read chain", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.ruleKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("read rules", err)
	}

	out := make([]*policy.CompiledPolicyRule, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("rule %s missing from chain %s", ids[i], domain)
		}
		var r policy.CompiledPolicyRule
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("unmarshal rule %s: %w", ids[i], err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// Domains implements ChainStore.
func (s *RedisChainStore) Domains(ctx context.Context) ([]string, error) {
	domains, err := s.client.SMembers(ctx, s.domainsKey()).Result()
	if err != nil {
		return nil, unavailable("list domains", err)
	}
	sort.Strings(domains)
	return domains, nil
}

// Close closes the client.
func (s *RedisChainStore) Close() error {
	return s.client.Close()
}
