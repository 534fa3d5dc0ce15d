package token

import (
	"testing"
	"time"

	"github.com/confluxdb/conflux/pkg/coreerr"
)

func TestMintThenValidate(t *testing.T) {
	m := NewManager()
	tok, err := m.Mint(RoleLearner, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if tok.Value == "" {
		t.Fatal("expected a non-empty token value")
	}

	role, err := m.Validate(tok.Value)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if role != RoleLearner {
		t.Fatalf("expected RoleLearner, got %q", role)
	}
}

func TestMint_ValuesAreUnique(t *testing.T) {
	m := NewManager()
	a, err := m.Mint(RoleVoter, time.Minute)
	if err != nil {
		t.Fatalf("mint a: %v", err)
	}
	b, err := m.Mint(RoleVoter, time.Minute)
	if err != nil {
		t.Fatalf("mint b: %v", err)
	}
	if a.Value == b.Value {
		t.Fatal("expected distinct token values")
	}
}

func TestValidate_UnknownTokenIsPermissionDenied(t *testing.T) {
	m := NewManager()
	_, err := m.Validate("not-a-real-token")
	if !coreerr.IsCode(err, coreerr.CodePermissionDenied) {
		t.Fatalf("expected CodePermissionDenied, got %v", err)
	}
}

func TestValidate_ExpiredTokenIsPermissionDenied(t *testing.T) {
	m := NewManager()
	tok, err := m.Mint(RoleLearner, -time.Second)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	_, err = m.Validate(tok.Value)
	if !coreerr.IsCode(err, coreerr.CodePermissionDenied) {
		t.Fatalf("expected CodePermissionDenied for expired token, got %v", err)
	}
}

func TestRevoke_InvalidatesImmediately(t *testing.T) {
	m := NewManager()
	tok, err := m.Mint(RoleVoter, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	m.Revoke(tok.Value)

	_, err = m.Validate(tok.Value)
	if !coreerr.IsCode(err, coreerr.CodePermissionDenied) {
		t.Fatalf("expected revoked token to be denied, got %v", err)
	}
}

func TestSweep_RemovesExpiredButKeepsLive(t *testing.T) {
	m := NewManager()
	expired, err := m.Mint(RoleLearner, -time.Second)
	if err != nil {
		t.Fatalf("mint expired: %v", err)
	}
	live, err := m.Mint(RoleLearner, time.Hour)
	if err != nil {
		t.Fatalf("mint live: %v", err)
	}

	m.Sweep()

	if _, err := m.Validate(live.Value); err != nil {
		t.Fatalf("expected live token to survive sweep, got %v", err)
	}
	m.mu.RLock()
	_, stillPresent := m.tokens[expired.Value]
	m.mu.RUnlock()
	if stillPresent {
		t.Fatal("expected expired token to be removed by sweep")
	}
}
