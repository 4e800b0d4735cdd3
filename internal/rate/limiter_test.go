package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiterTest(t *testing.T) (*miniredis.Miniredis, *Limiter) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(client, "")
}

func TestLimiterAllowsUpToLimit(t *testing.T) {
	_, limiter := newLimiterTest(t)
	policy := Policy{Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		verdict, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy)
		if err != nil {
			t.Fatalf("CheckAndConsume failed: %v", err)
		}
		if verdict.Limited {
			t.Fatalf("request %d should not be limited", i)
		}
		if verdict.Remaining != 3-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 3-i, verdict.Remaining)
		}
	}
}

func TestLimiterRejectsPastLimit(t *testing.T) {
	_, limiter := newLimiterTest(t)
	policy := Policy{Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if _, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy); err != nil {
			t.Fatalf("CheckAndConsume failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		verdict, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy)
		if err != nil {
			t.Fatalf("CheckAndConsume failed: %v", err)
		}
		if !verdict.Limited {
			t.Fatalf("rejected request %d should be limited", i+1)
		}
		if verdict.Remaining != 0 {
			t.Fatalf("remaining must never go negative, got %d", verdict.Remaining)
		}
		if verdict.RetryAfter <= 0 || verdict.RetryAfter > time.Minute {
			t.Fatalf("expected retry-after within the window, got %s", verdict.RetryAfter)
		}
		if !verdict.ResetAt.After(time.Now().Add(-time.Second)) {
			t.Fatalf("expected reset in the future, got %s", verdict.ResetAt)
		}
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	_, limiter := newLimiterTest(t)
	policy := Policy{Limit: 1, Window: time.Minute}

	if _, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy); err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}

	verdict, err := limiter.CheckAndConsume(context.Background(), "login", "bob", policy)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if verdict.Limited {
		t.Fatal("distinct identifiers must not share a counter")
	}

	verdict, err = limiter.CheckAndConsume(context.Background(), "password_change", "alice", policy)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if verdict.Limited {
		t.Fatal("distinct routes must not share a counter")
	}
}

func TestLimiterWindowCounterExpires(t *testing.T) {
	mr, limiter := newLimiterTest(t)
	policy := Policy{Limit: 1, Window: 500 * time.Millisecond}

	if _, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy); err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}

	// The counter key carries the window TTL.
	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one counter key, got %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 || ttl > 500*time.Millisecond {
		t.Fatalf("expected window TTL on counter, got %s", ttl)
	}

	// Once the wall clock crosses the boundary a fresh window begins.
	time.Sleep(600 * time.Millisecond)
	verdict, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if verdict.Limited {
		t.Fatal("expected fresh window after rollover")
	}
}

func TestLimiterResetForgivesWindow(t *testing.T) {
	_, limiter := newLimiterTest(t)
	policy := Policy{Limit: 1, Window: time.Minute}

	if _, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy); err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	verdict, err := limiter.CheckAndConsume(context.Background(), "login", "alice", policy)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if !verdict.Limited {
		t.Fatal("expected second request limited")
	}

	if err := limiter.Reset(context.Background(), "login", "alice", policy); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	verdict, err = limiter.CheckAndConsume(context.Background(), "login", "alice", policy)
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if verdict.Limited {
		t.Fatal("expected budget restored after reset")
	}
}

func TestLimiterBackendErrorWrapped(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, "")
	mr.Close()

	_, err = limiter.CheckAndConsume(context.Background(), "login", "alice", Policy{Limit: 1, Window: time.Minute})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}
