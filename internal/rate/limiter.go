// Package rate implements the fixed-window request limiter.
//
// Counters live in Redis, keyed by (route, identifier, window index).
// Counting and expiry setting happen in one Lua script so two concurrent
// requests can never both observe the pre-increment value.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackend is returned when the counter store cannot be reached.
var ErrBackend = errors.New("rate limit backend unavailable")

// Policy is one route's budget: at most Limit requests per fixed Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Verdict is the outcome of one consume call. Remaining is never negative.
type Verdict struct {
	Limited    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

const consumeScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

var consumeLua = redis.NewScript(consumeScript)

// Limiter counts requests against fixed windows in Redis.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Limiter]. prefix namespaces the counter keys.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "krl"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Limiter) key(route, identifier string, windowIndex int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", l.prefix, route, identifier, windowIndex)
}

// CheckAndConsume counts the request against its window and reports the
// verdict. The attempt is always counted, including the rejected ones past
// the limit; rejected attempts do not extend the window.
func (l *Limiter) CheckAndConsume(ctx context.Context, route, identifier string, policy Policy) (Verdict, error) {
	now := time.Now()
	windowIndex := now.UnixMilli() / policy.Window.Milliseconds()
	resetAt := time.UnixMilli((windowIndex + 1) * policy.Window.Milliseconds())

	count, err := consumeLua.Run(
		ctx,
		l.redis,
		[]string{l.key(route, identifier, windowIndex)},
		policy.Window.Milliseconds(),
	).Int64()
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	remaining := int64(policy.Limit) - count
	if remaining < 0 {
		remaining = 0
	}

	return Verdict{
		Limited:    count > int64(policy.Limit),
		Limit:      policy.Limit,
		Remaining:  int(remaining),
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}, nil
}

// Reset clears the current window's counter, forgiving prior failures.
func (l *Limiter) Reset(ctx context.Context, route, identifier string, policy Policy) error {
	windowIndex := time.Now().UnixMilli() / policy.Window.Milliseconds()
	if err := l.redis.Del(ctx, l.key(route, identifier, windowIndex)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}
