package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenrelay/internal/core"
)

// windowScript counts a hit and sets the window expiry on the first one.
var windowScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	if n == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return n
`)

// RedisLimiter is a fixed-window limiter shared by every instance.
// Keys are ratelimit:{id}:{windowStartUnix}.
type RedisLimiter struct {
	client *redis.Client
	tiers  Tiers
	now    func() time.Time
}

// NewRedisLimiter creates a limiter over a shared client.
func NewRedisLimiter(client *redis.Client, tiers Tiers) *RedisLimiter {
	return &RedisLimiter{client: client, tiers: tiers, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, id string, tier core.Tier) (Decision, error) {
	limit, ok := l.tiers.limitFor(tier)
	if !ok {
		return unlimited(), nil
	}

	now := l.now()
	windowStart := now.Truncate(limit.Period)
	key := fmt.Sprintf("ratelimit:%s:%d", id, windowStart.Unix())
	// Keep the key a little past the window so a late INCR never resurrects it without a TTL.
	ttl := limit.Period + time.Second

	n, err := windowScript.Run(ctx, l.client, []string{key}, ttl.Milliseconds()).Int()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	return fixedWindow(limit, n, windowStart, now), nil
}

// Close is a no-op; the shared client is closed by its owner.
func (l *RedisLimiter) Close() error { return nil }
