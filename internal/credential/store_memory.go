package credential

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokenrelay/internal/core"
)

// MemoryStore keeps credentials in process. Used for tests and the memory storage type.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*core.Credential
	byHash map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*core.Credential),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, cred *core.Credential) error {
	if err := prepareCreate(cred, uuid.NewString); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[cred.KeyHash]; ok {
		return fmt.Errorf("%w: key hash already exists", ErrConflict)
	}
	if _, ok := s.byID[cred.ID]; ok {
		return fmt.Errorf("%w: id %s already exists", ErrConflict, cred.ID)
	}

	stored := clone(cred)
	s.byID[stored.ID] = stored
	s.byHash[stored.KeyHash] = stored.ID
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, keyHash string) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cred), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*core.Credential, error) {
	s.mu.RLock()
	out := make([]*core.Credential, 0, len(s.byID))
	for _, cred := range s.byID {
		out = append(out, clone(cred))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status core.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(cred, status); err != nil {
		return err
	}
	if status == core.StatusHardDeleted {
		delete(s.byHash, cred.KeyHash)
		delete(s.byID, id)
		return nil
	}
	cred.Status = status
	return nil
}

func (s *MemoryStore) AddTokensUsed(_ context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	cred.TokensUsed += delta
	if cred.TokensUsed < 0 {
		cred.TokensUsed = 0
	}
	return cred.TokensUsed, nil
}

func (s *MemoryStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	cred.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) IncrementCounts(_ context.Context, id string, requests, errs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	cred.RequestCount += requests
	cred.ErrorCount += errs
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func clone(c *core.Credential) *core.Credential {
	cp := *c
	cp.AllowedIPs = append([]string(nil), c.AllowedIPs...)
	cp.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
