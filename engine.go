package kestrel

import (
	"context"
	"time"

	"github.com/kestrelauth/kestrel/csrf"
	"github.com/kestrelauth/kestrel/internal/rate"
	"github.com/kestrelauth/kestrel/internal/settings"
	"github.com/kestrelauth/kestrel/internal/stores"
	"github.com/kestrelauth/kestrel/password"
	"github.com/kestrelauth/kestrel/session"
)

// Engine orchestrates authentication and security-sensitive mutations.
// Build one through [New] and share it; all methods are safe for
// concurrent use.
type Engine struct {
	config Config

	userProvider UserProvider

	sessionStore *session.Store
	pendingStore *stores.PendingCredentialStore
	changeStore  *stores.PendingChangeStore

	limiter  *rate.Limiter
	settings *settings.Service

	passwordHash *password.Argon2
	totp         *totpManager
	pendingToken *pendingTokenManager
	guard        *csrf.Guard

	audit   *auditDispatcher
	notify  *notifyDispatcher
	enrich  *enrichWorker
	metrics *Metrics
}

// Close flushes the audit and notification dispatchers and stops the
// enrichment worker. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
	e.notify.Close()
	e.enrich.Close()
}

// AntiForgery exposes the double-submit guard for middleware and handlers.
func (e *Engine) AntiForgery() *csrf.Guard {
	return e.guard
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// InvalidateRateLimitSettings drops the cached rate-limit policies so the
// next request reloads them from the settings source. Call it after an
// admin changes a limit.
func (e *Engine) InvalidateRateLimitSettings() {
	if e == nil || e.settings == nil {
		return
	}
	e.settings.Invalidate()
}

// CheckRateLimit counts one request for (identifier, route) and returns
// the verdict. Exposed for hosts that enforce limits in their own
// transport layer; the engine flows call it internally. Counter-store
// outages never surface as errors: they resolve to a verdict through the
// FailOpen policy, limited for a full window by default.
func (e *Engine) CheckRateLimit(ctx context.Context, identifier string, route Route) rate.Verdict {
	policy, ok := e.settings.Policy(ctx, string(route))
	if !ok {
		return rate.Verdict{Limited: false}
	}

	verdict, err := e.limiter.CheckAndConsume(ctx, string(route), identifier, policy)
	if err != nil {
		if e.config.RateLimit.FailOpen {
			return rate.Verdict{Limited: false, Limit: policy.Limit}
		}
		// Counter store down: treat the request as limited for a full
		// window rather than letting an outage disable throttling.
		now := time.Now()
		return rate.Verdict{
			Limited:    true,
			Limit:      policy.Limit,
			Remaining:  0,
			ResetAt:    now.Add(policy.Window),
			RetryAfter: policy.Window,
		}
	}

	return verdict
}

// checkRate is the flow-internal form: nil on pass, *RateLimitError on
// reject.
func (e *Engine) checkRate(ctx context.Context, route Route, identifier string) error {
	verdict := e.CheckRateLimit(ctx, identifier, route)
	if !verdict.Limited {
		return nil
	}

	e.metrics.Inc(MetricRateLimitHit)
	return &RateLimitError{
		Route:      route,
		Limit:      verdict.Limit,
		Remaining:  verdict.Remaining,
		ResetAt:    verdict.ResetAt,
		RetryAfter: verdict.RetryAfter,
	}
}

func (e *Engine) resetRate(ctx context.Context, route Route, identifier string) {
	policy, ok := e.settings.Policy(ctx, string(route))
	if !ok {
		return
	}
	// Forgiving past failures is best effort.
	_ = e.limiter.Reset(ctx, string(route), identifier, policy)
}

func (e *Engine) auditEvent(ctx context.Context, eventType, userID, sessionID string, success bool, opErr error, metadata map[string]string) {
	if e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}

	e.audit.Emit(ctx, event)
}

// rateIdentity keys per-IP limits; callers without an attached IP share
// one conservative bucket instead of escaping the limiter.
func rateIdentity(ctx context.Context) string {
	if ip := clientIPFromContext(ctx); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}
