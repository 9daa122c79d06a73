package kv

import (
	"context"
	"time"
)

// Store is the shared key-value state used by the breaker, the provider health
// tracker, the rate limiters, the batch debounce and the pause switch.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Set writes value; a zero ttl keeps the key without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// IncrementWithExpiry increments key and arms ttl on the first hit.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// TripOnThreshold counts a failure in counterKey (refreshing window) and,
	// once the count reaches threshold, sets flagKey for open and clears the counter.
	TripOnThreshold(ctx context.Context, counterKey, flagKey string, threshold int64, window, open time.Duration) (bool, error)
}
