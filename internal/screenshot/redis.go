package screenshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// RedisCache shares screenshots between instances
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisCache creates a shared cache storing JSON values under keyPrefix+deviceID
func NewRedisCache(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, ttl: ttl, now: time.Now}
}

func (c *RedisCache) key(deviceID string) string {
	return c.keyPrefix + deviceID
}

func (c *RedisCache) Put(ctx context.Context, deviceID string, entry *types.ScreenshotEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(deviceID), data, c.ttl).Err(); err != nil {
		return &types.TransportError{Op: "screenshot put", Err: err}
	}
	return nil
}

// Get returns the stored entry unless it is missing or older than the TTL
// FUNCTIONAL DISCOVERY: The key expiry is set at write time, so CapturedAt is checked
// too; an entry uploaded late must not outlive the TTL counted from capture
func (c *RedisCache) Get(ctx context.Context, deviceID string) (*types.ScreenshotEntry, bool, error) {
	data, err := c.client.Get(ctx, c.key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &types.TransportError{Op: "screenshot get", Err: err}
	}

	var entry types.ScreenshotEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, &types.TransportError{Op: "screenshot decode", Err: err}
	}
	if expired(entry.CapturedAt, c.now(), c.ttl) {
		return nil, false, nil
	}
	return &entry, true, nil
}
