package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redisinfra "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
)

func TestWindowLimiterAllow(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	now := time.Unix(1_700_000_000, 0)
	limiter, err := newWindowLimiter(store, ChannelPrefix, 2, time.Second,
		func() time.Time { return now },
		sleepWithContext,
	)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(context.Background(), "sms")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if allowed != want {
			t.Fatalf("call %d allowed = %v, want %v", i+1, allowed, want)
		}
	}

	now = now.Add(time.Second)
	allowed, err := limiter.Allow(context.Background(), "sms")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Fatal("new window should allow call")
	}
}

func TestWindowLimiterAllowPerID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	now := time.Unix(1_700_000_100, 0)
	limiter, err := newWindowLimiter(store, ClientPrefix, 1, time.Minute,
		func() time.Time { return now },
		sleepWithContext,
	)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "client-a"); !allowed {
		t.Fatal("client-a should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), "client-b"); !allowed {
		t.Fatal("client-b should be allowed on first request")
	}
	if allowed, _ := limiter.Allow(context.Background(), "CLIENT-A"); allowed {
		t.Fatal("client-a second request in the same minute should be rejected")
	}

	now = now.Add(30 * time.Second)
	if allowed, _ := limiter.Allow(context.Background(), "client-a"); allowed {
		t.Fatal("same minute bucket should still be exhausted")
	}

	now = now.Add(30 * time.Second)
	if allowed, _ := limiter.Allow(context.Background(), "client-a"); !allowed {
		t.Fatal("next minute bucket should allow client-a")
	}
}

func TestWindowLimiterWaitTakesSlot(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	now := time.Unix(1_700_000_200, 0)
	sleepCalls := 0
	limiter, err := newWindowLimiter(store, ChannelPrefix, 1, time.Second,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			sleepCalls++
			now = now.Add(500 * time.Millisecond)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "push"); !allowed {
		t.Fatal("expected first call to be allowed")
	}

	allowed, err := limiter.Wait(context.Background(), "push", 3*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !allowed {
		t.Fatal("Wait() should take a slot in the next window")
	}
	if sleepCalls == 0 {
		t.Fatal("expected Wait() to sleep at least once")
	}
}

func TestWindowLimiterWaitGivesUpAfterMaxWait(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	now := time.Unix(1_700_000_300, 0)
	limiter, err := newWindowLimiter(store, ChannelPrefix, 1, time.Second,
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			// clock stands still inside the window
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "sms"); !allowed {
		t.Fatal("expected first call to be allowed")
	}

	allowed, err := limiter.Wait(context.Background(), "sms", 0)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if allowed {
		t.Fatal("Wait() with no budget should report throttled")
	}
}

func TestWindowLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	now := time.Unix(1_700_000_400, 0)
	limiter, err := newWindowLimiter(store, ChannelPrefix, 1, time.Second,
		func() time.Time { return now },
		sleepWithContext,
	)
	if err != nil {
		t.Fatalf("newWindowLimiter() error = %v", err)
	}

	if allowed, _ := limiter.Allow(context.Background(), "sms"); !allowed {
		t.Fatal("expected first call to be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	_, err = limiter.Wait(ctx, "sms", time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestNewWindowLimiterRejectsInvalidLimit(t *testing.T) {
	t.Parallel()

	if _, err := NewWindowLimiter(newTestStore(t), ChannelPrefix, 0, time.Second); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func newTestStore(t *testing.T) *redisinfra.Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	store, err := redisinfra.NewStore(rdb)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}
