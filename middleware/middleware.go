// Package middleware provides net/http enforcement for the engine's
// request-level checks. The anti-forgery check always runs before the
// rate limiter, and the rate limiter before the handler.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	kestrel "github.com/kestrelauth/kestrel"
)

type sessionContextKey struct{}

// SessionFromContext returns the session attached by [RequireSession].
func SessionFromContext(ctx context.Context) (*kestrel.SessionInfo, bool) {
	info, ok := ctx.Value(sessionContextKey{}).(*kestrel.SessionInfo)
	return info, ok
}

// AntiForgery rejects state-changing requests whose double-submit pair
// does not validate. Safe methods pass through and get a fresh token
// cookie. This middleware must wrap everything else on mutation routes;
// a request that fails here must not reach the rate limiter or handler.
func AntiForgery(engine *kestrel.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guard := engine.AntiForgery()

			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				// Safe request: rotate the token. The cookie is HttpOnly,
				// so the response header carries the value the client
				// must echo on its next mutation.
				if token, err := guard.Issue(); err == nil {
					http.SetCookie(w, guard.Cookie(token))
					w.Header().Set(guard.HeaderName(), token)
				}
				next.ServeHTTP(w, r)
				return
			}

			var cookieValue string
			if cookie, err := r.Cookie(guard.CookieName()); err == nil {
				cookieValue = cookie.Value
			}
			submitted := r.Header.Get(guard.HeaderName())
			if submitted == "" {
				submitted = r.PostFormValue("csrf_token")
			}

			if err := guard.Validate(cookieValue, submitted); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit counts the request against the given route, keyed by client
// IP, and answers 429 with the standard header triple when over budget.
func RateLimit(engine *kestrel.Engine, route kestrel.Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := kestrel.WithClientIP(r.Context(), clientIP(r))

			verdict := engine.CheckRateLimit(ctx, "ip:"+clientIP(r), route)
			if verdict.Limited {
				WriteRateLimitHeaders(w, verdict.Limit, verdict.Remaining, verdict.RetryAfter)
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteRateLimitHeaders emits the mandatory trio for a throttled
// response. Always emitted together, never partially.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}

// RateLimited writes the full 429 response for a *kestrel.RateLimitError.
// Returns false when err is not a rate-limit rejection.
func RateLimited(w http.ResponseWriter, err error) bool {
	var rle *kestrel.RateLimitError
	if !errors.As(err, &rle) {
		return false
	}
	WriteRateLimitHeaders(w, rle.Limit, rle.Remaining, rle.RetryAfter)
	http.Error(w, "too many requests", http.StatusTooManyRequests)
	return true
}

// RequireSession resolves the bearer token and attaches the session to
// the request context, rejecting with 401 otherwise.
func RequireSession(engine *kestrel.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			info, err := engine.Resolve(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
