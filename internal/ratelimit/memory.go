package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"tokenrelay/internal/core"
)

const (
	shardCount      = 64
	janitorInterval = time.Minute
)

type window struct {
	start time.Time
	end   time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryLimiter is a per-process fixed-window limiter.
type MemoryLimiter struct {
	tiers  Tiers
	shards [shardCount]shard
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMemoryLimiter creates the limiter and starts its janitor.
func NewMemoryLimiter(tiers Tiers) *MemoryLimiter {
	l := &MemoryLimiter{
		tiers: tiers,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	go l.janitor()
	return l
}

func (l *MemoryLimiter) shardFor(id string) *shard {
	return &l.shards[xxhash.Sum64String(id)%shardCount]
}

func (l *MemoryLimiter) Allow(_ context.Context, id string, tier core.Tier) (Decision, error) {
	limit, ok := l.tiers.limitFor(tier)
	if !ok {
		return unlimited(), nil
	}

	now := l.now()
	start := now.Truncate(limit.Period)
	s := l.shardFor(id)

	s.mu.Lock()
	w, ok := s.windows[id]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start, end: start.Add(limit.Period)}
		s.windows[id] = w
	}
	w.count++
	n := w.count
	s.mu.Unlock()

	return fixedWindow(limit, n, start, now), nil
}

// sweep drops windows that ended before now.
func (l *MemoryLimiter) sweep() {
	now := l.now()
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, w := range s.windows {
			if !now.Before(w.end) {
				delete(s.windows, id)
			}
		}
		s.mu.Unlock()
	}
}

func (l *MemoryLimiter) janitor() {
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

// Close stops the janitor.
func (l *MemoryLimiter) Close() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}
