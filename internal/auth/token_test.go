package auth

import (
	"strings"
	"testing"
)

func TestConstantTimeEqualRejectsLengthMultipleOf256(t *testing.T) {
	a := strings.Repeat("a", 10)
	b := strings.Repeat("a", 10+256)
	if ConstantTimeEqual(a, b) {
		t.Fatalf("equal-length-mod-256 strings must not compare equal")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("same-secret", "same-secret") {
		t.Fatalf("identical strings must compare equal")
	}
	if ConstantTimeEqual("secret-a", "secret-b") {
		t.Fatalf("different strings of equal length must not compare equal")
	}
}

func TestIssueVerifyRefresh(t *testing.T) {
	iss, err := NewIssuer()
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	tok, _, err := iss.Issue("alice", "session-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" || claims.SessionID != "session-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	refreshed, _, err := iss.Refresh(tok)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := iss.Verify(refreshed); err != nil {
		t.Fatalf("Verify(refreshed): %v", err)
	}
	// The original token remains valid too: no blacklist.
	if _, err := iss.Verify(tok); err != nil {
		t.Fatalf("original token should remain valid: %v", err)
	}
}
