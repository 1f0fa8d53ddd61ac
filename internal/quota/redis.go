package quota

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] = quota:{id}; ARGV = seed, limit, amount.
var reserveScript = redis.NewScript(`
	redis.call('HSETNX', KEYS[1], 'used', ARGV[1])
	local used = tonumber(redis.call('HGET', KEYS[1], 'used')) or 0
	local pending = tonumber(redis.call('HGET', KEYS[1], 'pending')) or 0
	local amount = tonumber(ARGV[3])
	if used + pending + amount > tonumber(ARGV[2]) then
		return {0, used, pending}
	end
	pending = redis.call('HINCRBY', KEYS[1], 'pending', amount)
	return {1, used, pending}
`)

// KEYS[1] = quota:{id}; ARGV = pending, actual.
var settleScript = redis.NewScript(`
	local pending = redis.call('HINCRBY', KEYS[1], 'pending', -tonumber(ARGV[1]))
	if pending < 0 then
		redis.call('HSET', KEYS[1], 'pending', 0)
	end
	return redis.call('HINCRBY', KEYS[1], 'used', tonumber(ARGV[2]))
`)

// RedisCounter keeps counters in a Redis hash per credential so every
// instance shares one budget.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter over a shared client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func quotaKey(id string) string {
	return "quota:" + id
}

func (c *RedisCounter) Reserve(ctx context.Context, id string, seed, limit, amount int64) (Snapshot, bool, error) {
	res, err := reserveScript.Run(ctx, c.client, []string{quotaKey(id)}, seed, limit, amount).Int64Slice()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("quota reserve failed: %w", err)
	}
	if len(res) != 3 {
		return Snapshot{}, false, fmt.Errorf("quota reserve: unexpected reply %v", res)
	}
	return Snapshot{Used: res[1], Pending: res[2]}, res[0] == 1, nil
}

func (c *RedisCounter) Settle(ctx context.Context, id string, pending, actual int64) error {
	if err := settleScript.Run(ctx, c.client, []string{quotaKey(id)}, pending, actual).Err(); err != nil {
		return fmt.Errorf("quota settle failed: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (c *RedisCounter) Close() error { return nil }
