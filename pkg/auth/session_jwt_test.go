package auth

import (
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	token, err := s.NewSession("user-1", "a@x.com")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "a@x.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	issuer, _ := NewJWTSessionStore("secret-a", time.Hour)
	verifier, _ := NewJWTSessionStore("secret-b", time.Hour)
	token, err := issuer.NewSession("user-1", "a@x.com")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("token signed with a different secret must not verify")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s, _ := NewJWTSessionStore("test-secret", time.Hour)
	s.ttl = -2 * time.Minute
	token, err := s.NewSession("user-1", "a@x.com")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.Verify(token); err == nil {
		t.Fatalf("expired token must not verify")
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	s, _ := NewJWTSessionStore("test-secret", time.Hour)
	if _, err := s.Verify(""); err == nil {
		t.Fatalf("empty token must not verify")
	}
}

func TestNewJWTSessionStoreRequiresSecret(t *testing.T) {
	if _, err := NewJWTSessionStore("  ", time.Hour); err == nil {
		t.Fatalf("blank secret must be rejected")
	}
}
