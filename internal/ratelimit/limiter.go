package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/kv"
)

const (
	ChannelPrefix = "notifications:channel"
	ClientPrefix  = "notifications:rate:client"

	backoffStep = 10 * time.Millisecond
	backoffMax  = 50 * time.Millisecond
)

// Limiter controls throughput per identifier (a channel, an API client).
type Limiter interface {
	Allow(ctx context.Context, id string) (bool, error)
	// Wait blocks until a slot is taken or maxWait passes. It reports whether
	// a slot was taken.
	Wait(ctx context.Context, id string, maxWait time.Duration) (bool, error)
	Limit() int64
}

var _ Limiter = (*WindowLimiter)(nil)

// WindowLimiter is a fixed-window counter shared through kv.Store.
type WindowLimiter struct {
	store  kv.Store
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWindowLimiter(store kv.Store, prefix string, limit int, window time.Duration) (*WindowLimiter, error) {
	return newWindowLimiter(store, prefix, int64(limit), window, time.Now, sleepWithContext)
}

func newWindowLimiter(
	store kv.Store,
	prefix string,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*WindowLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if strings.TrimSpace(prefix) == "" {
		return nil, fmt.Errorf("key prefix is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window < time.Second {
		window = time.Second
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &WindowLimiter{
		store:  store,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (l *WindowLimiter) Limit() int64 {
	return l.limit
}

func (l *WindowLimiter) Allow(ctx context.Context, id string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if normalized == "" {
		return false, fmt.Errorf("rate limit id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	windowSecs := int64(l.window / time.Second)
	bucket := l.now().UTC().Unix() / windowSecs
	key := fmt.Sprintf("%s:%s:%d", l.prefix, normalized, bucket)

	count, err := l.store.IncrementWithExpiry(ctx, key, l.window)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return count <= l.limit, nil
}

func (l *WindowLimiter) Wait(ctx context.Context, id string, maxWait time.Duration) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	deadline := l.now().Add(maxWait)
	backoff := backoffStep
	for {
		allowed, err := l.Allow(ctx, id)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
		if !l.now().Before(deadline) {
			return false, nil
		}

		if err := l.sleep(ctx, backoff); err != nil {
			return false, err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
