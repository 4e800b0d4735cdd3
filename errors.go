package kestrel

import (
	"errors"
	"fmt"
	"time"

	"github.com/kestrelauth/kestrel/csrf"
)

var (
	// ErrInvalidCredential covers both a wrong password and an unknown
	// identifier. The two are never distinguished to the caller.
	ErrInvalidCredential = errors.New("invalid credentials")
	// ErrSecondFactorRequired means an outstanding second factor blocks the
	// requested transition. It only exists after the password has been
	// confirmed correct.
	ErrSecondFactorRequired = errors.New("second factor required")
	// ErrSecondFactorInvalid is a wrong or malformed second-factor code.
	ErrSecondFactorInvalid = errors.New("invalid second factor code")
	// ErrBackupCodeAlreadyUsed is the well-formed-but-absent heuristic: the
	// submitted backup code parses but matches nothing in the stored set.
	// It feeds UX copy only and never bypasses rate limiting.
	ErrBackupCodeAlreadyUsed = errors.New("backup code already used")
	// ErrSecondFactorNotVerified is returned by the complete transition when
	// the pending token has not passed second-factor verification yet. It
	// matches ErrSecondFactorRequired under errors.Is.
	ErrSecondFactorNotVerified = fmt.Errorf("%w: not verified", ErrSecondFactorRequired)
	// ErrRateLimited always travels with retry metadata; see RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrAntiForgeryMismatch is the guard's rejection, re-exported so hosts
	// match against this package alone. Deliberately generic: it never
	// distinguishes a missing token from a wrong one.
	ErrAntiForgeryMismatch = csrf.ErrMismatch
	// ErrConflict means the target of a pending change is already taken.
	ErrConflict = errors.New("target value already in use")
	// ErrTokenNotFound covers unknown, expired, consumed, and cancelled
	// tokens alike, so a probe cannot learn which tokens ever existed.
	ErrTokenNotFound = errors.New("token not found or expired")
	// ErrSessionNotFound is an unknown, expired, or invalidated session token.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAttemptsExceeded means the pending credential token burned through
	// its second-factor attempt budget and has been destroyed.
	ErrAttemptsExceeded = errors.New("second factor attempts exceeded")
	// ErrPasswordPolicy rejects empty or reused passwords on change.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects a new password equal to the current one.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrUserNotFound is only used on operations addressed by user ID, where
	// enumeration is not a concern.
	ErrUserNotFound = errors.New("user not found")
	// ErrTOTPNotConfigured means the account has no enabled TOTP secret.
	ErrTOTPNotConfigured = errors.New("totp not configured")
	// ErrTOTPAlreadyEnabled rejects provisioning over a verified secret.
	ErrTOTPAlreadyEnabled = errors.New("totp already enabled")
	// ErrInvalidIdentifier rejects a malformed login identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInternal replaces any store or dependency failure surfaced to the
	// caller. The original error is audited, never returned.
	ErrInternal = errors.New("internal error")
	// ErrEngineNotReady is returned by methods on a half-built Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RateLimitError carries the retry metadata that must accompany every
// rate-limited response: the configured limit, the remaining budget (zero
// when limited), and when the window resets.
//
// It matches ErrRateLimited under errors.Is.
type RateLimitError struct {
	Route      Route
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %s", e.Route, e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
