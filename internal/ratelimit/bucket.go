package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"tokenrelay/internal/core"
)

// bucketIdle is how long an untouched bucket is kept.
const bucketIdle = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	limit    Limit
	lastSeen time.Time
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// BucketLimiter gives each credential a token bucket with burst equal to the
// tier's request count, refilled evenly over the period.
type BucketLimiter struct {
	tiers  Tiers
	shards [shardCount]bucketShard
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewBucketLimiter creates the limiter and starts the idle-bucket sweeper.
func NewBucketLimiter(tiers Tiers) *BucketLimiter {
	l := &BucketLimiter{
		tiers: tiers,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	go l.janitor()
	return l
}

func (l *BucketLimiter) Allow(_ context.Context, id string, tier core.Tier) (Decision, error) {
	limit, ok := l.tiers.limitFor(tier)
	if !ok {
		return unlimited(), nil
	}

	now := l.now()
	s := &l.shards[xxhash.Sum64String(id)%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[id]
	if !ok || b.limit != limit {
		every := rate.Every(limit.Period / time.Duration(limit.Requests))
		b = &bucket{limiter: rate.NewLimiter(every, limit.Requests), limit: limit}
		s.buckets[id] = b
	}
	b.lastSeen = now

	d := Decision{Limit: limit.Requests}
	if b.limiter.AllowN(now, 1) {
		d.Allowed = true
	} else {
		r := b.limiter.ReserveN(now, 1)
		d.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}

	tokens := b.limiter.TokensAt(now)
	if tokens > 0 {
		d.Remaining = int(tokens)
	}
	// Time until the bucket is full again.
	missing := float64(limit.Requests) - tokens
	d.ResetAt = now.Add(time.Duration(missing * float64(limit.Period) / float64(limit.Requests)))
	return d, nil
}

func (l *BucketLimiter) sweep() {
	cutoff := l.now().Add(-bucketIdle)
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, b := range s.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(s.buckets, id)
			}
		}
		s.mu.Unlock()
	}
}

func (l *BucketLimiter) janitor() {
	defer close(l.done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// Close stops the sweeper.
func (l *BucketLimiter) Close() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}
