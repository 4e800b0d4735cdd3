package kestrel

import (
	"context"
	"errors"
	"time"
)

// GenerateTOTPSetup starts second-factor enrollment: it stores a fresh
// secret (unverified) and returns the provisioning material. The factor is
// not required for login until [Engine.ConfirmTOTPSetup] proves the
// authenticator works.
func (e *Engine) GenerateTOTPSetup(ctx context.Context, userID string) (*TOTPSetup, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.checkRate(ctx, RouteTOTPSetup, userID); err != nil {
		return nil, err
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, wrapInternal(err)
	}
	if user.TOTPEnabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, wrapInternal(err)
	}
	if err := e.userProvider.EnableTOTP(ctx, userID, secret); err != nil {
		return nil, wrapInternal(err)
	}

	e.metrics.Inc(MetricTOTPSetupStarted)
	e.auditEvent(ctx, "totp.setup_started", userID, "", true, nil, nil)
	return &TOTPSetup{
		SecretBase32: secretBase32,
		URI:          e.totp.ProvisionURI(secretBase32, user.Identifier),
	}, nil
}

// ConfirmTOTPSetup finishes enrollment by verifying one code from the new
// authenticator. On success the factor becomes required for login and a
// fresh set of backup codes is returned; store them, they are not
// retrievable later.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, userID, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.checkRate(ctx, RouteTOTPSetup, userID); err != nil {
		return nil, err
	}

	record, err := e.userProvider.GetTOTPSecret(ctx, userID)
	if err != nil {
		return nil, wrapInternal(err)
	}
	if record == nil {
		return nil, ErrTOTPNotConfigured
	}
	if record.Verified {
		return nil, ErrTOTPAlreadyEnabled
	}

	ok, counter, err := e.totp.VerifyCode(record.Secret, code, time.Now())
	if err != nil {
		return nil, wrapInternal(err)
	}
	if !ok {
		e.auditEvent(ctx, "totp.setup_failed", userID, "", false, ErrSecondFactorInvalid, nil)
		return nil, ErrSecondFactorInvalid
	}

	if err := e.userProvider.MarkTOTPVerified(ctx, userID); err != nil {
		return nil, wrapInternal(err)
	}
	// Burn the enrollment code so it cannot double as the first login code.
	if _, err := e.userProvider.AdvanceTOTPStep(ctx, userID, counter); err != nil {
		return nil, wrapInternal(err)
	}

	codes, err := e.replaceBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricTOTPSetupConfirmed)
	e.auditEvent(ctx, "totp.setup_confirmed", userID, "", true, nil, nil)
	return codes, nil
}

// DisableTOTP removes the second factor after proving the password. All
// backup codes are dropped and every session is destroyed; the change is
// drastic enough that nothing established before it should survive.
func (e *Engine) DisableTOTP(ctx context.Context, userID, pass string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return wrapInternal(err)
	}
	if !user.TOTPEnabled {
		return ErrTOTPNotConfigured
	}

	ok, err := e.passwordHash.Verify(pass, user.PasswordHash)
	if err != nil {
		return wrapInternal(err)
	}
	if !ok {
		e.auditEvent(ctx, "totp.disable_denied", userID, "", false, ErrInvalidCredential, nil)
		return ErrInvalidCredential
	}

	if err := e.userProvider.DisableTOTP(ctx, userID); err != nil {
		return wrapInternal(err)
	}
	if err := e.userProvider.ReplaceBackupCodes(ctx, userID, nil); err != nil {
		return wrapInternal(err)
	}
	if err := e.sessionStore.DeleteAllForUser(ctx, userID); err != nil {
		return wrapInternal(err)
	}

	e.metrics.Inc(MetricTOTPDisabled)
	e.auditEvent(ctx, "totp.disabled", userID, "", true, nil, nil)
	return nil
}
