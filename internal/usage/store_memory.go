package usage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process, keyed by request id.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*UsageEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*UsageEntry)}
}

func (s *MemoryStore) WriteBatch(_ context.Context, entries []*UsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, dup := s.entries[e.RequestID]; dup {
			continue
		}
		cp := *e
		s.entries[e.RequestID] = &cp
	}
	return nil
}

func (s *MemoryStore) Flush(_ context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// Entries returns copies of all entries, oldest first.
func (s *MemoryStore) Entries() []UsageEntry {
	s.mu.RLock()
	out := make([]UsageEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Get returns the entry written for requestID.
func (s *MemoryStore) Get(requestID string) (UsageEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[requestID]
	if !ok {
		return UsageEntry{}, false
	}
	return *e, true
}

func (s *MemoryStore) Summarize(_ context.Context, q Query) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &Summary{}
	for _, e := range s.entries {
		if q.CredentialID != "" && e.CredentialID != q.CredentialID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		sum.Requests++
		if e.IsError {
			sum.Errors++
		}
		sum.PromptTokens += e.PromptTokens
		sum.CompletionTokens += e.CompletionTokens
		sum.TotalTokens += e.TotalTokens
		sum.TotalCost += e.TotalCost
	}
	return sum, nil
}
