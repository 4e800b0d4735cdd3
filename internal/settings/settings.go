// Package settings serves the runtime-mutable rate-limit policies.
//
// Policies come from a host-supplied source (typically a config table or
// admin API) and are cached with a TTL so every request does not hit the
// source. Invalidate drops the cache after an admin change.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelauth/kestrel/internal/rate"
)

// Source loads the current per-route policies. A nil map or an error
// leaves the static fallback in effect.
type Source interface {
	Load(ctx context.Context) (map[string]rate.Policy, error)
}

// Service caches policies from a [Source] and falls back to static
// defaults when the source is absent or failing.
type Service struct {
	source   Source
	fallback map[string]rate.Policy
	ttl      time.Duration

	mu        sync.Mutex
	cached    map[string]rate.Policy
	expiresAt time.Time
}

// NewService builds a Service. source may be nil, in which case fallback
// is always used.
func NewService(source Source, fallback map[string]rate.Policy, ttl time.Duration) *Service {
	fb := make(map[string]rate.Policy, len(fallback))
	for route, policy := range fallback {
		fb[route] = policy
	}
	return &Service{
		source:   source,
		fallback: fb,
		ttl:      ttl,
	}
}

// Policy returns the active policy for a route. The second return is false
// when the route has no policy anywhere, meaning the route is not limited.
func (s *Service) Policy(ctx context.Context, route string) (rate.Policy, bool) {
	policies := s.load(ctx)
	if policy, ok := policies[route]; ok {
		return policy, true
	}
	policy, ok := s.fallback[route]
	return policy, ok
}

// Invalidate drops the cache so the next lookup reloads from the source.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *Service) load(ctx context.Context) map[string]rate.Policy {
	if s.source == nil {
		return s.fallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.cached != nil && now.Before(s.expiresAt) {
		return s.cached
	}

	loaded, err := s.source.Load(ctx)
	if err != nil || loaded == nil {
		// Keep serving the previous snapshot (or the fallback) while the
		// source is unhealthy. Do not cache the failure.
		if s.cached != nil {
			return s.cached
		}
		return s.fallback
	}

	s.cached = loaded
	s.expiresAt = now.Add(s.ttl)
	return s.cached
}
