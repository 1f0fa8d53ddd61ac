package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenrelay/internal/core"
)

// KeyPrefix namespaces cached credentials in Redis.
const KeyPrefix = "auth:"

// RedisCache implements CredentialCache on a shared Redis client.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps client. The client is owned by the caller.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, keyHash string) (*core.Credential, error) {
	data, err := c.client.Get(ctx, KeyPrefix+keyHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential from redis: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse cached credential: %w", err)
	}
	return rec.credential(), nil
}

func (c *RedisCache) Set(ctx context.Context, cred *core.Credential) error {
	data, err := json.Marshal(record{KeyHash: cred.KeyHash, Credential: cred})
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := c.client.Set(ctx, KeyPrefix+cred.KeyHash, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set credential in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keyHash string) error {
	if err := c.client.Del(ctx, KeyPrefix+keyHash).Err(); err != nil {
		return fmt.Errorf("failed to delete credential from redis: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (c *RedisCache) Close() error { return nil }
