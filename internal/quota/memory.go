package quota

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type entry struct {
	mu      sync.Mutex
	used    int64
	pending int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryCounter keeps counters in process with one mutex per credential.
// The shard lock is held only to find or create an entry.
type MemoryCounter struct {
	shards [shardCount]shard
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	return c
}

func (c *MemoryCounter) entry(id string, seed int64) *entry {
	s := &c.shards[xxhash.Sum64String(id)%shardCount]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{used: seed}
		s.entries[id] = e
	}
	return e
}

func (c *MemoryCounter) Reserve(_ context.Context, id string, seed, limit, amount int64) (Snapshot, bool, error) {
	e := c.entry(id, seed)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.used+e.pending+amount > limit {
		return Snapshot{Used: e.used, Pending: e.pending}, false, nil
	}
	e.pending += amount
	return Snapshot{Used: e.used, Pending: e.pending}, true, nil
}

func (c *MemoryCounter) Settle(_ context.Context, id string, pending, actual int64) error {
	e := c.entry(id, 0)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending -= pending
	if e.pending < 0 {
		e.pending = 0
	}
	e.used += actual
	return nil
}

// Snapshot returns the current counters for id.
func (c *MemoryCounter) Snapshot(id string) Snapshot {
	e := c.entry(id, 0)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Used: e.used, Pending: e.pending}
}

func (c *MemoryCounter) Close() error { return nil }
