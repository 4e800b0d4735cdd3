package kestrel

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelauth/kestrel/internal/stores"
)

// Second-factor methods accepted by [Engine.SubmitSecondFactor]. An empty
// method means TOTP.
const (
	MethodTOTP   = "totp"
	MethodBackup = "backup"
)

// SubmitSecondFactor verifies a TOTP or backup code against a pending
// credential token. Success marks the server-side record verified; it does
// NOT create a session. The caller must follow with
// [Engine.CompleteSecondFactor], which re-validates and consumes the
// record atomically.
//
// Each failed code burns one attempt; when the budget is spent the whole
// pending credential is destroyed and the caller restarts from the
// password phase.
func (e *Engine) SubmitSecondFactor(ctx context.Context, pendingToken, code, method string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	pendingID, userID, err := e.pendingToken.Parse(pendingToken)
	if err != nil {
		return ErrTokenNotFound
	}

	if err := e.checkRate(ctx, RouteSecondFactor, pendingID); err != nil {
		e.auditEvent(ctx, "second_factor.rate_limited", userID, "", false, err, nil)
		return err
	}

	record, err := e.pendingStore.Get(ctx, pendingID)
	if err != nil {
		return mapPendingErr(err)
	}
	if record.UserID != userID {
		return ErrTokenNotFound
	}

	var verifyErr error
	switch method {
	case MethodBackup:
		verifyErr = e.verifyBackupCode(ctx, userID, code)
	case MethodTOTP, "":
		verifyErr = e.verifyTOTPCode(ctx, userID, code)
	default:
		verifyErr = ErrSecondFactorInvalid
	}

	if verifyErr != nil {
		e.metrics.Inc(MetricSecondFactorFailure)
		exceeded, recErr := e.pendingStore.RecordFailure(ctx, pendingID, e.config.SecondFactor.MaxAttempts)
		if recErr != nil {
			return mapPendingErr(recErr)
		}
		if exceeded {
			e.auditEvent(ctx, "second_factor.attempts_exceeded", userID, "", false, ErrAttemptsExceeded, nil)
			return ErrAttemptsExceeded
		}
		e.auditEvent(ctx, "second_factor.failure", userID, "", false, verifyErr, nil)
		return verifyErr
	}

	if err := e.pendingStore.MarkFactorVerified(ctx, pendingID); err != nil {
		return mapPendingErr(err)
	}

	e.metrics.Inc(MetricSecondFactorSuccess)
	e.auditEvent(ctx, "second_factor.verified", userID, "", true, nil, map[string]string{"method": methodLabel(method)})
	return nil
}

// CompleteSecondFactor consumes a verified pending credential and creates
// the session. Consumption is atomic and single-use: of two concurrent
// calls with the same token exactly one receives a session. Calling it
// before the factor is verified fails and leaves the record intact.
func (e *Engine) CompleteSecondFactor(ctx context.Context, pendingToken string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	pendingID, userID, err := e.pendingToken.Parse(pendingToken)
	if err != nil {
		return nil, ErrTokenNotFound
	}

	record, err := e.pendingStore.Consume(ctx, pendingID, true)
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotVerified) {
			return nil, ErrSecondFactorNotVerified
		}
		return nil, mapPendingErr(err)
	}
	if record.UserID != userID {
		return nil, ErrTokenNotFound
	}

	result, err := e.createSession(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	if user, uerr := e.userProvider.GetUserByID(ctx, userID); uerr == nil {
		e.resetRate(ctx, RouteLogin, user.Identifier)
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.auditEvent(ctx, "login.success", userID, result.Session.SessionID, true, nil, map[string]string{"second_factor": "true"})
	return result, nil
}

func (e *Engine) verifyTOTPCode(ctx context.Context, userID, code string) error {
	totpRecord, err := e.userProvider.GetTOTPSecret(ctx, userID)
	if err != nil {
		return wrapInternal(err)
	}
	if totpRecord == nil || !totpRecord.Enabled {
		return ErrTOTPNotConfigured
	}

	ok, counter, err := e.totp.VerifyCode(totpRecord.Secret, code, time.Now())
	if err != nil {
		return wrapInternal(err)
	}
	if !ok {
		return ErrSecondFactorInvalid
	}

	// A code from an already-accepted step is a replay even though the
	// HMAC matches. The conditional advance is the authoritative check:
	// of two concurrent submissions of the same code exactly one wins.
	advanced, err := e.userProvider.AdvanceTOTPStep(ctx, userID, counter)
	if err != nil {
		return wrapInternal(err)
	}
	if !advanced {
		e.metrics.Inc(MetricSecondFactorReplay)
		return ErrSecondFactorInvalid
	}
	return nil
}

func mapPendingErr(err error) error {
	switch {
	case errors.Is(err, stores.ErrPendingNotFound), errors.Is(err, stores.ErrPendingExpired):
		return ErrTokenNotFound
	case errors.Is(err, stores.ErrPendingNotVerified):
		return ErrSecondFactorNotVerified
	default:
		return wrapInternal(err)
	}
}

func methodLabel(method string) string {
	if method == "" {
		return MethodTOTP
	}
	return method
}
