package kestrel

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/kestrelauth/kestrel/session"
	"github.com/redis/go-redis/v9"
)

func (e *Engine) createSession(ctx context.Context, userID string, twoFactorVerified bool) (*LoginResult, error) {
	sid, err := session.NewSessionID()
	if err != nil {
		return nil, wrapInternal(err)
	}
	secret, err := session.NewSecret()
	if err != nil {
		return nil, wrapInternal(err)
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:         sid.String(),
		UserID:            userID,
		TwoFactorVerified: twoFactorVerified,
		SecretHash:        session.HashSecret(secret),
		CreatedAt:         now.Unix(),
		ExpiresAt:         now.Add(e.config.Session.Lifetime).Unix(),
		LastActiveAt:      now.Unix(),
		UserAgent:         userAgentFromContext(ctx),
		IP:                clientIPFromContext(ctx),
		Geo:               geoFromContext(ctx),
	}

	if err := e.sessionStore.Save(ctx, sess, e.config.Session.Lifetime); err != nil {
		return nil, wrapInternal(err)
	}

	token, err := session.EncodeToken(sess.SessionID, secret)
	if err != nil {
		return nil, wrapInternal(err)
	}

	e.metrics.Inc(MetricSessionCreated)
	e.enrich.Enqueue(sess.SessionID, session.Metadata{
		UserAgent: sess.UserAgent,
		IP:        sess.IP,
		Geo:       sess.Geo,
	})

	return &LoginResult{
		Token:   token,
		Session: sessionInfo(sess),
	}, nil
}

// Resolve authenticates a bearer token and returns the session behind it.
// In sliding mode the read refreshes the session TTL.
func (e *Engine) Resolve(ctx context.Context, token string) (*SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()

	sess, err := e.resolveSession(ctx, token, true)
	if err != nil {
		return nil, err
	}

	e.metrics.Observe(MetricResolveLatency, time.Since(start))
	return sessionInfo(sess), nil
}

func (e *Engine) resolveSession(ctx context.Context, token string, touch bool) (*session.Session, error) {
	sessionID, secret, err := session.DecodeToken(token)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	var sess *session.Session
	if touch {
		sess, err = e.sessionStore.Get(ctx, sessionID, e.config.Session.Lifetime)
	} else {
		sess, err = e.sessionStore.GetReadOnly(ctx, sessionID)
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, wrapInternal(err)
	}

	providedHash := session.HashSecret(secret)
	if subtle.ConstantTimeCompare(providedHash[:], sess.SecretHash[:]) != 1 {
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// Logout destroys the session behind a bearer token. Unknown tokens are
// not an error.
func (e *Engine) Logout(ctx context.Context, token string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	sess, err := e.resolveSession(ctx, token, false)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	if err := e.sessionStore.Delete(ctx, sess.SessionID); err != nil {
		return wrapInternal(err)
	}

	e.metrics.Inc(MetricLogout)
	e.metrics.Inc(MetricSessionInvalidated)
	e.auditEvent(ctx, "session.logout", sess.UserID, sess.SessionID, true, nil, nil)
	return nil
}

// LogoutAll destroys every session of a user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.sessionStore.DeleteAllForUser(ctx, userID); err != nil {
		return wrapInternal(err)
	}

	e.metrics.Inc(MetricLogoutAll)
	e.auditEvent(ctx, "session.logout_all", userID, "", true, nil, nil)
	return nil
}

// ListSessions returns the user's live sessions for an active-devices
// view. Session IDs are safe to display; they are not bearer tokens.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	ids, err := e.sessionStore.ActiveSessionIDs(ctx, userID)
	if err != nil {
		return nil, wrapInternal(err)
	}

	sessions, err := e.sessionStore.GetManyReadOnly(ctx, ids)
	if err != nil {
		return nil, wrapInternal(err)
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, *sessionInfo(sess))
	}
	return infos, nil
}

func sessionInfo(sess *session.Session) *SessionInfo {
	return &SessionInfo{
		SessionID:         sess.SessionID,
		UserID:            sess.UserID,
		TwoFactorVerified: sess.TwoFactorVerified,
		CreatedAt:         time.Unix(sess.CreatedAt, 0),
		ExpiresAt:         time.Unix(sess.ExpiresAt, 0),
		LastActiveAt:      time.Unix(sess.LastActiveAt, 0),
		UserAgent:         sess.UserAgent,
		IP:                sess.IP,
		Geo:               sess.Geo,
	}
}
