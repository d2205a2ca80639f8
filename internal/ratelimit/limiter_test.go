package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), mr
}

func TestMessageLimit_31stCallRejected(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= RuleMessage.Limit; i++ {
		d, err := l.Check(ctx, "alice", ActionMessage)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
		if d.Count != i {
			t.Errorf("call %d: expected count %d, got %d", i, i, d.Count)
		}
	}

	d, err := l.Check(ctx, "alice", ActionMessage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected call 31 to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("expected retry-after in (0, 1m], got %v", d.RetryAfter)
	}
}

func TestWindowRollover(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RuleMessage.Limit+1; i++ {
		l.Check(ctx, "alice", ActionMessage)
	}
	if d, _ := l.Check(ctx, "alice", ActionMessage); d.Allowed {
		t.Fatal("expected rejection inside the window")
	}

	mr.FastForward(61 * time.Second)

	d, err := l.Check(ctx, "alice", ActionMessage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh window (allowed, count=1), got %+v", d)
	}
}

func TestWindowKeyAlwaysExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	l.Check(ctx, "alice", ActionTyping)
	ttl := mr.TTL(RuleTyping.Key + "alice")
	if ttl <= 0 || ttl > RuleTyping.Window {
		t.Fatalf("expected TTL in (0, %v], got %v", RuleTyping.Window, ttl)
	}

	// A key left without TTL (e.g. written by an older deploy) gets one on the
	// next increment.
	mr.Set(RuleTyping.Key+"bob", "3")
	l.Check(ctx, "bob", ActionTyping)
	if ttl := mr.TTL(RuleTyping.Key + "bob"); ttl <= 0 {
		t.Fatalf("expected TTL to be repaired, got %v", ttl)
	}
}

func TestActionsAndUsersAreIndependent(t *testing.T) {
	l := NewLimiterWithPolicy(nil, nil)
	_, err := l.Check(context.Background(), "alice", ActionMessage)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}

	l, _ = newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < RuleMessage.Limit; i++ {
		l.Check(ctx, "alice", ActionMessage)
	}
	if d, _ := l.Check(ctx, "alice", ActionTyping); !d.Allowed {
		t.Error("typing must not share the message window")
	}
	if d, _ := l.Check(ctx, "bob", ActionMessage); !d.Allowed {
		t.Error("bob must not share alice's window")
	}
}

func TestConcurrentChecksCountEveryRequest(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, "alice", ActionPresenceUpdate)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	remaining, err := l.Remaining(ctx, "alice", ActionPresenceUpdate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != RulePresenceUpdate.Limit-n {
		t.Errorf("expected %d remaining, got %d", RulePresenceUpdate.Limit-n, remaining)
	}
	if allowed != n {
		t.Errorf("expected all %d allowed under the limit, got %d", n, allowed)
	}
}

func TestRemainingAndReset(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if r, _ := l.Remaining(ctx, "alice", ActionTyping); r != RuleTyping.Limit {
		t.Fatalf("expected full limit for unknown window, got %d", r)
	}
	l.Check(ctx, "alice", ActionTyping)
	l.Check(ctx, "alice", ActionTyping)
	if r, _ := l.Remaining(ctx, "alice", ActionTyping); r != RuleTyping.Limit-2 {
		t.Fatalf("expected %d remaining, got %d", RuleTyping.Limit-2, r)
	}
	if err := l.Reset(ctx, "alice", ActionTyping); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if r, _ := l.Remaining(ctx, "alice", ActionTyping); r != RuleTyping.Limit {
		t.Fatalf("expected full limit after reset, got %d", r)
	}
}

func TestFailOpenOnRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)
	mr.Close()

	d, err := l.Check(context.Background(), "alice", ActionMessage)
	if err == nil {
		t.Fatal("expected the redis error to be reported")
	}
	if !d.Allowed {
		t.Fatal("expected fail-open decision")
	}
}
