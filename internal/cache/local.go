package cache

import (
	"context"
	"sync"
	"time"

	"tokenrelay/internal/core"
)

type localEntry struct {
	rec       record
	expiresAt time.Time
}

// LocalCache implements CredentialCache in process.
// This is suitable for single-instance deployments.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalCache creates an in-process cache with the given TTL.
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalCache{
		entries: make(map[string]localEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *LocalCache) Get(_ context.Context, keyHash string) (*core.Credential, error) {
	c.mu.RLock()
	e, ok := c.entries[keyHash]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[keyHash]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, keyHash)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return e.rec.credential(), nil
}

func (c *LocalCache) Set(_ context.Context, cred *core.Credential) error {
	cp := *cred
	c.mu.Lock()
	c.entries[cred.KeyHash] = localEntry{
		rec:       record{KeyHash: cred.KeyHash, Credential: &cp},
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()
	return nil
}

func (c *LocalCache) Delete(_ context.Context, keyHash string) error {
	c.mu.Lock()
	delete(c.entries, keyHash)
	c.mu.Unlock()
	return nil
}

// Close drops all entries.
func (c *LocalCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]localEntry)
	c.mu.Unlock()
	return nil
}
