package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/delivery-engine/internal/kv"
)

var incrementScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 or redis.call("TTL", KEYS[1]) == -1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

var tripScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[1])
if tonumber(count) >= tonumber(ARGV[2]) then
  redis.call("SETEX", KEYS[2], ARGV[3], "1")
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

var _ kv.Store = (*Store)(nil)

// Store implements kv.Store on Redis. Multi-step updates run as Lua scripts.
type Store struct {
	client goredis.UniversalClient
}

func NewStore(client goredis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{client: client}, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrementScript.Run(ctx, s.client, []string{key}, ttlSeconds(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return count, nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key %s if absent: %w", key, err)
	}
	return ok, nil
}

func (s *Store) TripOnThreshold(
	ctx context.Context,
	counterKey, flagKey string,
	threshold int64,
	window, open time.Duration,
) (bool, error) {
	tripped, err := tripScript.Run(
		ctx,
		s.client,
		[]string{counterKey, flagKey},
		ttlSeconds(window),
		threshold,
		ttlSeconds(open),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record failure on %s: %w", counterKey, err)
	}
	return tripped == 1, nil
}

func ttlSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
