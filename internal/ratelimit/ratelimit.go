// Package ratelimit enforces per-credential request ceilings by tier.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenrelay/internal/core"
)

// Backend names accepted by New.
const (
	BackendMemory      = "memory"
	BackendRedis       = "redis"
	BackendTokenBucket = "token_bucket"
)

// Limit is a (requests, period) ceiling. Requests <= 0 means no ceiling.
type Limit struct {
	Requests int
	Period   time.Duration
}

// Tiers maps tier names to limits.
type Tiers map[core.Tier]Limit

// DefaultTiers returns basic 100/min, premium 1000/min and unlimited.
func DefaultTiers() Tiers {
	return Tiers{
		core.TierBasic:     {Requests: 100, Period: time.Minute},
		core.TierPremium:   {Requests: 1000, Period: time.Minute},
		core.TierUnlimited: {},
	}
}

// limitFor resolves a tier; unknown tiers get the basic ceiling.
func (t Tiers) limitFor(tier core.Tier) (Limit, bool) {
	if tier == core.TierUnlimited {
		return Limit{}, false
	}
	l, ok := t[tier]
	if !ok {
		l, ok = t[core.TierBasic]
	}
	if !ok || l.Requests <= 0 || l.Period <= 0 {
		return Limit{}, false
	}
	return l, true
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Unlimited reports whether the decision came from a tier without a ceiling.
func (d Decision) Unlimited() bool {
	return d.Limit == 0
}

func unlimited() Decision {
	return Decision{Allowed: true}
}

// Limiter admits or denies a request for a credential.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, id string, tier core.Tier) (Decision, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	Tiers   Tiers
}

// New builds the Limiter for cfg.Backend. client is required for the redis backend.
func New(cfg Config, client *redis.Client) (Limiter, error) {
	tiers := cfg.Tiers
	if tiers == nil {
		tiers = DefaultTiers()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryLimiter(tiers), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis rate limiter requires a redis client")
		}
		return NewRedisLimiter(client, tiers), nil
	case BackendTokenBucket:
		return NewBucketLimiter(tiers), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s", cfg.Backend)
	}
}

// fixedWindow computes a decision from the hit count n of the window that
// starts at windowStart.
func fixedWindow(l Limit, n int, windowStart, now time.Time) Decision {
	resetAt := windowStart.Add(l.Period)
	d := Decision{
		Allowed: n <= l.Requests,
		Limit:   l.Requests,
		ResetAt: resetAt,
	}
	if rem := l.Requests - n; rem > 0 {
		d.Remaining = rem
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d
}
