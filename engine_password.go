package kestrel

import (
	"context"
	"errors"
)

// ChangePassword replaces a user's password after proving the current
// one. The new password must differ from the old; on success every session
// of the user is destroyed and a security notice is dispatched.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.checkRate(ctx, RoutePasswordChange, userID); err != nil {
		e.auditEvent(ctx, "password_change.rate_limited", userID, "", false, err, nil)
		return err
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return wrapInternal(err)
	}

	ok, err := e.passwordHash.Verify(oldPassword, user.PasswordHash)
	if err != nil {
		return wrapInternal(err)
	}
	if !ok {
		e.metrics.Inc(MetricPasswordChangeInvalidOld)
		e.auditEvent(ctx, "password_change.invalid_old", userID, "", false, ErrInvalidCredential, nil)
		return ErrInvalidCredential
	}

	sameAsOld, err := e.passwordHash.Verify(newPassword, user.PasswordHash)
	if err != nil {
		return wrapInternal(err)
	}
	if sameAsOld {
		e.metrics.Inc(MetricPasswordChangeReuseRejected)
		e.auditEvent(ctx, "password_change.reuse_rejected", userID, "", false, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return ErrPasswordPolicy
	}

	if err := e.userProvider.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return wrapInternal(err)
	}

	// Every existing session predates the new credential.
	if err := e.sessionStore.DeleteAllForUser(ctx, userID); err != nil {
		return wrapInternal(err)
	}

	e.resetRate(ctx, RoutePasswordChange, userID)
	e.notify.Enqueue(NotifyPasswordChanged, user.Identifier, map[string]string{
		"user_id": userID,
	})

	e.metrics.Inc(MetricPasswordChangeSuccess)
	e.metrics.Inc(MetricLogoutAll)
	e.auditEvent(ctx, "password_change.success", userID, "", true, nil, nil)
	return nil
}
