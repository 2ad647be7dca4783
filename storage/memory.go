package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/c360studio/semgov/policy"
)

// MemoryChainStore keeps chains in process memory.
type MemoryChainStore struct {
	mu     sync.RWMutex
	rules  map[string]*policy.CompiledPolicyRule
	chains map[string][]string
}

var _ ChainStore = (*MemoryChainStore)(nil)

// NewMemoryChainStore creates an empty store.
func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{
		rules:  make(map[string]*policy.CompiledPolicyRule),
		chains: make(map[string][]string),
	}
}

func (m *MemoryChainStore) head(domain string) *policy.CompiledPolicyRule {
	chain := m.chains[domain]
	if len(chain) == 0 {
		return nil
	}
	return m.rules[chain[len(chain)-1]]
}

// Head implements ChainStore.
func (m *MemoryChainStore) Head(_ context.Context, domain string) (*policy.CompiledPolicyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRule(m.head(domain)), nil
}

// Append implements ChainStore.
func (m *MemoryChainStore) Append(_ context.Context, rule *policy.CompiledPolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkAppend(rule, m.head(rule.Domain)); err != nil {
		return err
	}
	m.rules[rule.ID] = cloneRule(rule)
	m.chains[rule.Domain] = append(m.chains[rule.Domain], rule.ID)
	return nil
}

// Get implements ChainStore.
func (m *MemoryChainStore) Get(_ context.Context, id string) (*policy.CompiledPolicyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRule(r), nil
}

// History implements ChainStore.
func (m *MemoryChainStore) History(_ context.Context, domain string) ([]*policy.CompiledPolicyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[domain]
	out := make([]*policy.CompiledPolicyRule, 0, len(chain))
	for _, id := range chain {
		out = append(out, cloneRule(m.rules[id]))
	}
	return out, nil
}

// Domains implements ChainStore.
func (m *MemoryChainStore) Domains(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	domains := make([]string, 0, len(m.chains))
	for d := range m.chains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains, nil
}

// Close implements ChainStore.
func (m *MemoryChainStore) Close() error {
	return nil
}
