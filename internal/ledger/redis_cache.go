package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix for cached ledger payloads.
const redisCacheKeyPrefix = "pchain:ledger:tx:"

// RedisCache is a Redis-backed Cache shared by every coordinator instance.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache constructs a RedisCache. namespace separates ledgers that
// share one Redis; a zero ttl stores keys without expiry.
func NewRedisCache(client *redis.Client, namespace string, ttl time.Duration) *RedisCache {
	prefix := redisCacheKeyPrefix
	if namespace != "" {
		prefix += namespace + ":"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient parses url, connects, and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Get implements Cache. A missing key is a miss, not an error.
func (c *RedisCache) Get(ctx context.Context, ref string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+ref).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, ref string, payload []byte) error {
	return c.client.Set(ctx, c.prefix+ref, payload, c.ttl).Err()
}
