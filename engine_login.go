package kestrel

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelauth/kestrel/internal/stores"
)

// SubmitPassword is the first authentication phase. On success it either
// returns a live session (no second factor enrolled) or a pending
// credential token the caller must redeem through the second-factor calls.
// No session row exists while a second factor is outstanding.
func (e *Engine) SubmitPassword(ctx context.Context, identifier, pass string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.checkRate(ctx, RouteLogin, identifier); err != nil {
		e.metrics.Inc(MetricLoginRateLimited)
		e.auditEvent(ctx, "login.rate_limited", "", "", false, err, nil)
		return nil, err
	}
	if err := e.checkRate(ctx, RouteLogin, rateIdentity(ctx)); err != nil {
		e.metrics.Inc(MetricLoginRateLimited)
		e.auditEvent(ctx, "login.rate_limited", "", "", false, err, nil)
		return nil, err
	}

	if pass == "" {
		e.metrics.Inc(MetricLoginFailure)
		return nil, ErrInvalidCredential
	}

	user, err := e.userProvider.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metrics.Inc(MetricLoginFailure)
			e.auditEvent(ctx, "login.failure", "", "", false, ErrInvalidCredential, nil)
			return nil, ErrInvalidCredential
		}
		return nil, wrapInternal(err)
	}

	ok, err := e.passwordHash.Verify(pass, user.PasswordHash)
	if err != nil {
		return nil, wrapInternal(err)
	}
	if !ok {
		e.metrics.Inc(MetricLoginFailure)
		e.auditEvent(ctx, "login.failure", user.UserID, "", false, ErrInvalidCredential, nil)
		return nil, ErrInvalidCredential
	}

	if e.config.Password.UpgradeOnLogin {
		e.maybeUpgradePasswordHash(ctx, user.UserID, pass, user.PasswordHash)
	}

	if user.TOTPEnabled {
		token, err := e.issuePendingCredential(ctx, user.UserID)
		if err != nil {
			return nil, err
		}

		e.metrics.Inc(MetricSecondFactorRequired)
		e.auditEvent(ctx, "login.second_factor_required", user.UserID, "", true, nil, nil)
		return &LoginResult{
			SecondFactorRequired: true,
			PendingToken:         token,
		}, nil
	}

	result, err := e.createSession(ctx, user.UserID, false)
	if err != nil {
		return nil, err
	}

	e.resetRate(ctx, RouteLogin, identifier)
	e.metrics.Inc(MetricLoginSuccess)
	e.auditEvent(ctx, "login.success", user.UserID, result.Session.SessionID, true, nil, nil)
	return result, nil
}

func (e *Engine) issuePendingCredential(ctx context.Context, userID string) (string, error) {
	pendingID, err := newOpaqueID()
	if err != nil {
		return "", wrapInternal(err)
	}

	now := time.Now()
	record := &stores.PendingCredential{
		UserID:    userID,
		ExpiresAt: now.Add(e.config.SecondFactor.PendingTTL).Unix(),
	}
	if err := e.pendingStore.Save(ctx, pendingID, record, e.config.SecondFactor.PendingTTL); err != nil {
		return "", wrapInternal(err)
	}

	token, err := e.pendingToken.Sign(pendingID, userID, now)
	if err != nil {
		return "", wrapInternal(err)
	}
	return token, nil
}

func (e *Engine) maybeUpgradePasswordHash(ctx context.Context, userID, pass, currentHash string) {
	needs, err := e.passwordHash.NeedsUpgrade(currentHash)
	if err != nil || !needs {
		return
	}
	rehashed, err := e.passwordHash.Hash(pass)
	if err != nil {
		return
	}
	// Upgrade is opportunistic; the login already succeeded.
	_ = e.userProvider.UpdatePasswordHash(ctx, userID, rehashed)
}
