// Package policy holds per-user endpoint payment policies and the
// chain selector that decides where and how a payment settles.
package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentpay/x402pay/types"
)

// Status is the lifecycle state of an endpoint policy. Only active
// policies authorize payments.
type Status string

const (
	StatusActive   Status = "active"
	StatusDraft    Status = "draft"
	StatusArchived Status = "archived"
)

// Policy scopes payment permission to a (user, network, URL prefix)
// triple. At most one active policy may exist per triple.
type Policy struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	Network    types.Network `json:"network"`
	URLPattern string        `json:"urlPattern"`
	Status     Status        `json:"status"`

	// AutoSign selects the signing path: true settles immediately with
	// the configured signer, false routes through manual approval.
	AutoSign bool `json:"autoSign"`

	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether the policy's pattern is a prefix of the URL.
func (p *Policy) Matches(url string) bool {
	return strings.HasPrefix(url, p.URLPattern)
}

// Store is the read contract the selector depends on. Implementations
// must never create or mutate policies during a lookup; selection is a
// pure function of existing policies.
type Store interface {
	// FindActivePolicy returns the most specific active policy whose
	// pattern is a prefix of the URL, scoped to the user and network,
	// or nil when none matches.
	FindActivePolicy(ctx context.Context, userID string, network types.Network, url string) (*Policy, error)
}

// MemoryStore is an in-memory Store, used in tests and examples.
type MemoryStore struct {
	mu       sync.RWMutex
	policies []Policy
}

func NewMemoryStore(policies ...Policy) *MemoryStore {
	return &MemoryStore{policies: policies}
}

// Add appends a policy. It does not enforce the one-active-per-triple
// invariant; that is the provisioning layer's job.
func (m *MemoryStore) Add(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, p)
}

// FindActivePolicy implements Store with longest-prefix matching.
func (m *MemoryStore) FindActivePolicy(ctx context.Context, userID string, network types.Network, url string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []Policy
	for _, p := range m.policies {
		if p.Status != StatusActive || p.UserID != userID || p.Network != network {
			continue
		}
		if p.Matches(url) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].URLPattern) > len(candidates[j].URLPattern)
	})
	best := candidates[0]
	return &best, nil
}
