package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrelay/internal/core"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	hasher := NewHasher("")

	create := func(t *testing.T, store Store, token string) *core.Credential {
		t.Helper()
		cred := &core.Credential{
			KeyHash:        hasher.Hash(token),
			KeyPrefix:      Prefix(token),
			Name:           "test " + token,
			TokenLimit:     1000,
			AllowedIPs:     []string{"10.0.0.0/8"},
			AllowedOrigins: []string{"https://app.example.com"},
		}
		require.NoError(t, store.Create(ctx, cred))
		return cred
	}

	t.Run("CreateFillsDefaults", func(t *testing.T) {
		store := newStore(t)
		cred := create(t, store, "tr-create-defaults")

		assert.NotEmpty(t, cred.ID)
		assert.Equal(t, core.StatusActive, cred.Status)
		assert.Equal(t, core.TierBasic, cred.Tier)
		assert.False(t, cred.CreatedAt.IsZero())
	})

	t.Run("GetByHashAndID", func(t *testing.T) {
		store := newStore(t)
		cred := create(t, store, "tr-lookup")

		byHash, err := store.GetByHash(ctx, hasher.Hash("tr-lookup"))
		require.NoError(t, err)
		assert.Equal(t, cred.ID, byHash.ID)
		assert.Equal(t, cred.KeyHash, byHash.KeyHash)
		assert.Equal(t, []string{"10.0.0.0/8"}, byHash.AllowedIPs)
		assert.Equal(t, []string{"https://app.example.com"}, byHash.AllowedOrigins)
		assert.Equal(t, int64(1000), byHash.TokenLimit)

		byID, err := store.GetByID(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, cred.KeyPrefix, byID.KeyPrefix)
	})

	t.Run("NotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetByHash(ctx, hasher.Hash("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateHashConflicts", func(t *testing.T) {
		store := newStore(t)
		create(t, store, "tr-dup")
		err := store.Create(ctx, &core.Credential{KeyHash: hasher.Hash("tr-dup"), KeyPrefix: "tr-dup"})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("List", func(t *testing.T) {
		store := newStore(t)
		create(t, store, "tr-list-1")
		create(t, store, "tr-list-2")

		list, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("StatusLifecycle", func(t *testing.T) {
		store := newStore(t)
		cred := create(t, store, "tr-status")

		require.NoError(t, store.SetStatus(ctx, cred.ID, core.StatusDisabled))
		require.NoError(t, store.SetStatus(ctx, cred.ID, core.StatusActive))
		require.NoError(t, store.SetStatus(ctx, cred.ID, core.StatusSoftDeleted))

		got, err := store.GetByID(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusSoftDeleted, got.Status)

		err = store.SetStatus(ctx, cred.ID, core.StatusActive)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("HardDeleteRemoves", func(t *testing.T) {
		store := newStore(t)
		cred := create(t, store, "tr-hard")

		require.NoError(t, store.SetStatus(ctx, cred.ID, core.StatusHardDeleted))
		_, err := store.GetByID(ctx, cred.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AddTokensUsedConcurrent", func(t *testing.T) {
		store := newStore(t)
		cred := create(t, store, "tr-tokens")

		const workers = 10
		const perWorker = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					if _, err := store.AddTokensUsed(ctx, cred.ID, 5); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := store.GetByID(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(workers*perWorker*5), got.TokensUsed)
	})

	t.Run("AddTokensUsedUnknown", func(t *testing.T) {
		store := newStore(t)
		_, err := store.AddTokensUsed(ctx, "00000000-0000-0000-0000-000000000000", 1)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("TouchAndCounts", func(t *testing.T) {
		store := newStore(t)
		cred := create(t, store, "tr-touch")
		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		require.NoError(t, store.TouchLastUsed(ctx, cred.ID, at))
		require.NoError(t, store.IncrementCounts(ctx, cred.ID, 3, 1))
		require.NoError(t, store.IncrementCounts(ctx, cred.ID, 1, 0))

		got, err := store.GetByID(ctx, cred.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, at.Equal(*got.LastUsedAt))
		assert.Equal(t, int64(4), got.RequestCount)
		assert.Equal(t, int64(1), got.ErrorCount)
	})
}
