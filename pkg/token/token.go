// Package token implements Conflux's join-token issuance used to
// authorize add_learner/change_membership operations: a minted,
// time-boxed credential scoped to a membership Role that a new node
// presents when asking the leader to admit it.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/confluxdb/conflux/pkg/coreerr"
)

// Role scopes what a join token authorizes.
type Role string

const (
	// RoleVoter authorizes add_learner followed by promotion to voter.
	RoleVoter Role = "voter"
	// RoleLearner authorizes add_learner only.
	RoleLearner Role = "learner"
)

// Token is an outstanding join grant.
type Token struct {
	Value     string
	Role      Role
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager mints and validates join tokens. The leader is the only node
// expected to mint tokens; any node can validate one it was handed out of
// band, since Manager holds no consensus state of its own.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewManager returns an empty token manager.
func NewManager() *Manager {
	return &Manager{tokens: make(map[string]*Token)}
}

// Mint generates a new join token good for ttl, scoped to role.
func (m *Manager) Mint(role Role, ttl time.Duration) (*Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, coreerr.StorageFailure("generate join token", err)
	}
	now := time.Now()
	t := &Token{
		Value:     hex.EncodeToString(buf),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	m.mu.Lock()
	m.tokens[t.Value] = t
	m.mu.Unlock()
	return t, nil
}

// Validate checks value against the outstanding grants, returning the
// scoped role on success. Expired or unknown tokens return a Caller-kind
// PermissionDenied error, matching the §4.4 authorization-hook convention
// of denying without touching consensus.
func (m *Manager) Validate(value string) (Role, error) {
	m.mu.RLock()
	t, ok := m.tokens[value]
	m.mu.RUnlock()
	if !ok {
		return "", coreerr.PermissionDenied("unknown join token")
	}
	if time.Now().After(t.ExpiresAt) {
		return "", coreerr.PermissionDenied("join token expired")
	}
	return t.Role, nil
}

// Revoke invalidates a token immediately, whether or not it expired.
func (m *Manager) Revoke(value string) {
	m.mu.Lock()
	delete(m.tokens, value)
	m.mu.Unlock()
}

// Sweep removes expired tokens. Intended to run on the same periodic
// cadence as the watch hub's reclamation sweep.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for v, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, v)
		}
	}
}
