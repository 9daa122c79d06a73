package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	settingsKey    = "notifications:settings"
	settingsTTL    = 60 * time.Second
	settingsMarker = "__loaded"
)

// SettingsCache keeps the runtime settings table in a Redis hash with a short TTL.
type SettingsCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

func NewSettingsCache(client goredis.UniversalClient, ttl time.Duration) (*SettingsCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = settingsTTL
	}
	return &SettingsCache{client: client, ttl: ttl}, nil
}

// Load returns the cached settings and whether the cache was populated.
func (c *SettingsCache) Load(ctx context.Context) (map[string]string, bool, error) {
	values, err := c.client.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read settings cache: %w", err)
	}
	if _, ok := values[settingsMarker]; !ok {
		return nil, false, nil
	}
	delete(values, settingsMarker)
	return values, true, nil
}

func (c *SettingsCache) Store(ctx context.Context, values map[string]string) error {
	fields := make(map[string]any, len(values)+1)
	for k, v := range values {
		fields[k] = v
	}
	fields[settingsMarker] = "1"

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, settingsKey)
	pipe.HSet(ctx, settingsKey, fields)
	pipe.Expire(ctx, settingsKey, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write settings cache: %w", err)
	}
	return nil
}

func (c *SettingsCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, settingsKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate settings cache: %w", err)
	}
	return nil
}
