package kestrel

import (
	"errors"
	"testing"
	"time"

	"github.com/kestrelauth/kestrel/csrf"
)

func TestNotVerifiedMatchesSecondFactorRequired(t *testing.T) {
	if !errors.Is(ErrSecondFactorNotVerified, ErrSecondFactorRequired) {
		t.Fatal("expected ErrSecondFactorNotVerified to match ErrSecondFactorRequired")
	}
	if errors.Is(ErrSecondFactorRequired, ErrSecondFactorNotVerified) {
		t.Fatal("the match must not run the other way")
	}
}

func TestGuardRejectionMatchesAntiForgeryMismatch(t *testing.T) {
	guard, err := csrf.NewGuard(csrf.Config{
		Secret:        []byte("anti-forgery-secret-0123456789abcdef"),
		TokenLifetime: time.Hour,
		CookieName:    "__Host-csrf",
		HeaderName:    "X-CSRF-Token",
	})
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}

	if err := guard.Validate("", ""); !errors.Is(err, ErrAntiForgeryMismatch) {
		t.Fatalf("expected ErrAntiForgeryMismatch, got %v", err)
	}
}
