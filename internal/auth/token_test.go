package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner("test-secret", "gatekeep")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	identity := &Identity{ID: "user-42", Email: "user@example.com", Metadata: map[string]any{"full_name": "Ada"}}

	token, expiresAt, err := signer.Sign(identity, 30*time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" || claims.Email != "user@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	other, _ := NewSigner("other-secret", "gatekeep")
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token with wrong secret, got %v", err)
	}

	decoded, err := DecodeUnverified(token)
	if err != nil {
		t.Fatalf("DecodeUnverified: %v", err)
	}
	if decoded.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", decoded.Subject)
	}
	if got := ExpiryOf(token); !got.Equal(expiresAt.Truncate(time.Second)) {
		t.Fatalf("ExpiryOf = %v, want %v", got, expiresAt.Truncate(time.Second))
	}
}

func TestSignerRejectsExpired(t *testing.T) {
	signer, _ := NewSigner("test-secret", "gatekeep")
	base := time.Now()
	signer.now = func() time.Time { return base }
	token, _, err := signer.Sign(&Identity{ID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := signer.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("  ", "x"); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("Passw0rd", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !PasswordMatches(hash, "Passw0rd") {
		t.Fatal("expected password to match")
	}
	if PasswordMatches(hash, "wrong") {
		t.Fatal("unexpected match")
	}
	if _, err := HashPassword("", bcrypt.MinCost); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserIDFromContext(ctx); ok {
		t.Fatal("expected no user in empty context")
	}
	ctx = ContextWithIdentity(ctx, &Identity{ID: "user-7"})
	ctx = ContextWithSession(ctx, &Session{AccessToken: "tok"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	session, ok := SessionFromContext(ctx)
	if !ok || session.AccessToken != "tok" {
		t.Fatalf("unexpected session: %+v", session)
	}
}
