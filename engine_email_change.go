package kestrel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelauth/kestrel/internal/stores"
)

// RequestEmailChange opens a pending identifier change. The new address
// must be well formed and not in use, by an account or by another pending
// change; either collision is ErrConflict. Two tokens go out: a verify
// token to the new address and a cancel token to the current one. The
// change commits only when the verify token is redeemed.
func (e *Engine) RequestEmailChange(ctx context.Context, userID, newEmail string) (*EmailChangeTicket, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.checkRate(ctx, RouteEmailChange, userID); err != nil {
		e.auditEvent(ctx, "email_change.rate_limited", userID, "", false, err, nil)
		return nil, err
	}

	if !validEmail(newEmail) {
		return nil, ErrInvalidIdentifier
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, wrapInternal(err)
	}
	if newEmail == user.Identifier {
		return nil, ErrConflict
	}

	if _, err := e.userProvider.GetUserByIdentifier(ctx, newEmail); err == nil {
		e.metrics.Inc(MetricEmailChangeConflict)
		return nil, ErrConflict
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, wrapInternal(err)
	}

	verifyToken, err := newOpaqueToken()
	if err != nil {
		return nil, wrapInternal(err)
	}
	cancelToken, err := newOpaqueToken()
	if err != nil {
		return nil, wrapInternal(err)
	}

	now := time.Now()
	record := &stores.PendingChange{
		ChangeID:   uuid.NewString(),
		UserID:     userID,
		OldValue:   user.Identifier,
		NewValue:   newEmail,
		Status:     stores.ChangeStatusPending,
		VerifyHash: stores.HashToken(verifyToken),
		CancelHash: stores.HashToken(cancelToken),
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(e.config.EmailChange.TTL).Unix(),
	}

	indexTTL := e.config.EmailChange.TTL + e.config.EmailChange.GracePeriod
	if err := e.changeStore.Create(ctx, record, indexTTL); err != nil {
		if errors.Is(err, stores.ErrValueClaimed) {
			e.metrics.Inc(MetricEmailChangeConflict)
			return nil, ErrConflict
		}
		return nil, wrapInternal(err)
	}

	expiresAt := time.Unix(record.ExpiresAt, 0)
	e.notify.Enqueue(NotifyEmailChangeVerify, newEmail, map[string]string{
		"change_id":    record.ChangeID,
		"verify_token": verifyToken,
		"expires_at":   expiresAt.Format(time.RFC3339),
	})
	e.notify.Enqueue(NotifyEmailChangeNotice, user.Identifier, map[string]string{
		"change_id":    record.ChangeID,
		"cancel_token": cancelToken,
		"new_email":    newEmail,
	})

	e.metrics.Inc(MetricEmailChangeRequested)
	e.auditEvent(ctx, "email_change.requested", userID, "", true, nil, map[string]string{"change_id": record.ChangeID})
	return &EmailChangeTicket{
		ChangeID:    record.ChangeID,
		VerifyToken: verifyToken,
		CancelToken: cancelToken,
		ExpiresAt:   expiresAt,
	}, nil
}

// ConfirmEmailChange redeems a verify token and commits the new
// identifier. The transition out of pending is conditional, so a verify
// racing a cancel (or a second verify) has exactly one winner. On success
// every session of the user except keepSessionID is destroyed; pass an
// empty keepSessionID to destroy all of them.
//
// The target address is re-checked at redemption time. If it was taken
// while the change sat pending, the change is cancelled and ErrConflict
// returned.
func (e *Engine) ConfirmEmailChange(ctx context.Context, verifyToken, keepSessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.checkRate(ctx, RouteChangeRedeem, rateIdentity(ctx)); err != nil {
		e.auditEvent(ctx, "email_change.redeem_rate_limited", "", "", false, err, nil)
		return err
	}

	record, err := e.changeStore.FindByVerifyToken(ctx, verifyToken)
	if err != nil {
		return mapChangeErr(err)
	}

	if e.changeExpired(record) {
		e.metrics.Inc(MetricEmailChangeExpired)
		return ErrTokenNotFound
	}

	record, err = e.changeStore.Transition(ctx, record.ChangeID, stores.ChangeStatusPending, stores.ChangeStatusVerified)
	if err != nil {
		return mapChangeErr(err)
	}

	// The claim held off other pending changes, not account mutations that
	// happened through other paths. Re-check before committing.
	if _, err := e.userProvider.GetUserByIdentifier(ctx, record.NewValue); err == nil {
		e.abandonVerifiedChange(ctx, record)
		e.metrics.Inc(MetricEmailChangeConflict)
		return ErrConflict
	} else if !errors.Is(err, ErrUserNotFound) {
		return wrapInternal(err)
	}

	if err := e.userProvider.UpdateIdentifier(ctx, record.UserID, record.NewValue); err != nil {
		e.abandonVerifiedChange(ctx, record)
		return wrapInternal(err)
	}

	if _, err := e.changeStore.Transition(ctx, record.ChangeID, stores.ChangeStatusVerified, stores.ChangeStatusFinalized); err != nil {
		return mapChangeErr(err)
	}
	_ = e.changeStore.MarkTerminal(ctx, record.ChangeID, time.Now())

	// Sessions established under the old identifier are stale.
	if keepSessionID == "" {
		err = e.sessionStore.DeleteAllForUser(ctx, record.UserID)
	} else {
		err = e.sessionStore.DeleteAllForUserExcept(ctx, record.UserID, keepSessionID)
	}
	if err != nil {
		return wrapInternal(err)
	}

	e.metrics.Inc(MetricEmailChangeVerified)
	e.metrics.Inc(MetricSessionInvalidated)
	e.auditEvent(ctx, "email_change.confirmed", record.UserID, "", true, nil, map[string]string{"change_id": record.ChangeID})
	return nil
}

// CancelEmailChange redeems a cancel token. Cancellation exists so the
// owner of the current address can stop a hijack attempt, so it also
// destroys every session of the user, with no exception.
func (e *Engine) CancelEmailChange(ctx context.Context, cancelToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.checkRate(ctx, RouteChangeRedeem, rateIdentity(ctx)); err != nil {
		e.auditEvent(ctx, "email_change.redeem_rate_limited", "", "", false, err, nil)
		return err
	}

	record, err := e.changeStore.FindByCancelToken(ctx, cancelToken)
	if err != nil {
		return mapChangeErr(err)
	}

	if e.changeExpired(record) {
		e.metrics.Inc(MetricEmailChangeExpired)
		return ErrTokenNotFound
	}

	record, err = e.changeStore.Transition(ctx, record.ChangeID, stores.ChangeStatusPending, stores.ChangeStatusCancelled)
	if err != nil {
		return mapChangeErr(err)
	}
	_ = e.changeStore.ReleaseClaim(ctx, record.NewValue)
	_ = e.changeStore.MarkTerminal(ctx, record.ChangeID, time.Now())

	if err := e.sessionStore.DeleteAllForUser(ctx, record.UserID); err != nil {
		return wrapInternal(err)
	}

	e.metrics.Inc(MetricEmailChangeCancelled)
	e.metrics.Inc(MetricSessionInvalidated)
	e.auditEvent(ctx, "email_change.cancelled", record.UserID, "", true, nil, map[string]string{"change_id": record.ChangeID})
	return nil
}

// abandonVerifiedChange rolls a change that won the verified transition
// but cannot commit back into a terminal state.
func (e *Engine) abandonVerifiedChange(ctx context.Context, record *stores.PendingChange) {
	_, _ = e.changeStore.Transition(ctx, record.ChangeID, stores.ChangeStatusVerified, stores.ChangeStatusCancelled)
	_ = e.changeStore.ReleaseClaim(ctx, record.NewValue)
	_ = e.changeStore.MarkTerminal(ctx, record.ChangeID, time.Now())
}

// changeExpired checks the record's own deadline. The grace period only
// pads the index TTL so ledger rows outlive their tokens for cleanup; it
// never extends how long a token is redeemable.
func (e *Engine) changeExpired(record *stores.PendingChange) bool {
	return time.Now().After(time.Unix(record.ExpiresAt, 0))
}

// mapChangeErr keeps terminal and never-existed tokens indistinguishable:
// a transition refused because the record already left pending reports the
// same ErrTokenNotFound as an unknown token.
func mapChangeErr(err error) error {
	switch {
	case errors.Is(err, stores.ErrChangeNotFound),
		errors.Is(err, stores.ErrChangeWrongState):
		return ErrTokenNotFound
	default:
		return wrapInternal(err)
	}
}
