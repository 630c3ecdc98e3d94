package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStatusCacheTTL = 24 * time.Hour

// RedisStatusCache caches terminal execution-status payloads so pollers stop
// hitting Postgres once an execution settles. Running executions are never
// cached; their progress must keep moving between polls.
type RedisStatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStatusCache connects to Redis.
func NewRedisStatusCache(addr, password string, ttl time.Duration) (*RedisStatusCache, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("status cache redis addr required")
	}
	if ttl <= 0 {
		ttl = defaultStatusCacheTTL
	}
	return &RedisStatusCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: "ideaforge:execstatus",
		ttl:    ttl,
	}, nil
}

// Get loads a cached payload into out. Returns false on a miss.
func (c *RedisStatusCache) Get(ctx context.Context, executionID string, out any) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(executionID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

// Set stores a payload under the execution id with the cache TTL.
func (c *RedisStatusCache) Set(ctx context.Context, executionID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(executionID), raw, c.ttl).Err()
}

func (c *RedisStatusCache) key(executionID string) string {
	return c.prefix + ":" + executionID
}
