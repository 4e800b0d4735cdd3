package kestrel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChangePasswordSuccess(t *testing.T) {
	cfg := authTestConfig()
	up := newMockUserProvider()
	notifier := &recordingNotifier{}
	engine, _, done := newAuthEngineWithNotifier(t, cfg, up, notifier)
	defer done()

	seedUser(t, engine, up, "u1", "alice@example.com", "correct-password-123")

	login, err := engine.SubmitPassword(context.Background(), "alice@example.com", "correct-password-123")
	if err != nil {
		t.Fatalf("SubmitPassword failed: %v", err)
	}

	if err := engine.ChangePassword(context.Background(), "u1", "correct-password-123", "brand-new-password-456"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// Every session established under the old credential is gone.
	if _, err := engine.Resolve(context.Background(), login.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected old session destroyed, got %v", err)
	}

	if _, err := engine.SubmitPassword(context.Background(), "alice@example.com", "correct-password-123"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := engine.SubmitPassword(context.Background(), "alice@example.com", "brand-new-password-456"); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}

	engine.Close()
	notices := notifier.ofKind(NotifyPasswordChanged)
	if len(notices) != 1 || notices[0].Destination != "alice@example.com" {
		t.Fatalf("expected one password-changed notice to the account address, got %+v", notices)
	}
}

func TestChangePasswordWrongOldPassword(t *testing.T) {
	cfg := authTestConfig()
	up := newMockUserProvider()
	engine, _, done := newAuthEngine(t, cfg, up)
	defer done()

	seedUser(t, engine, up, "u1", "alice@example.com", "correct-password-123")

	err := engine.ChangePassword(context.Background(), "u1", "wrong-password-456", "brand-new-password-456")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if up.updatePasswordCalls != 0 {
		t.Fatalf("expected no password update, got %d calls", up.updatePasswordCalls)
	}
}

func TestChangePasswordReuseRejected(t *testing.T) {
	cfg := authTestConfig()
	up := newMockUserProvider()
	engine, _, done := newAuthEngine(t, cfg, up)
	defer done()

	seedUser(t, engine, up, "u1", "alice@example.com", "correct-password-123")

	err := engine.ChangePassword(context.Background(), "u1", "correct-password-123", "correct-password-123")
	if !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("expected ErrPasswordReuse, got %v", err)
	}
}

func TestChangePasswordPolicyRejectsShortPassword(t *testing.T) {
	cfg := authTestConfig()
	up := newMockUserProvider()
	engine, _, done := newAuthEngine(t, cfg, up)
	defer done()

	seedUser(t, engine, up, "u1", "alice@example.com", "correct-password-123")

	err := engine.ChangePassword(context.Background(), "u1", "correct-password-123", "short")
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
}

func TestChangePasswordUnknownUser(t *testing.T) {
	cfg := authTestConfig()
	up := newMockUserProvider()
	engine, _, done := newAuthEngine(t, cfg, up)
	defer done()

	err := engine.ChangePassword(context.Background(), "ghost", "correct-password-123", "brand-new-password-456")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestChangePasswordRateLimited(t *testing.T) {
	cfg := authTestConfig()
	cfg.RateLimit.Routes[RoutePasswordChange] = RoutePolicy{Limit: 1, Window: time.Minute}
	up := newMockUserProvider()
	engine, _, done := newAuthEngine(t, cfg, up)
	defer done()

	seedUser(t, engine, up, "u1", "alice@example.com", "correct-password-123")

	if err := engine.ChangePassword(context.Background(), "u1", "wrong-password-456", "brand-new-password-456"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if err := engine.ChangePassword(context.Background(), "u1", "correct-password-123", "brand-new-password-456"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
