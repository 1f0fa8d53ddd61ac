package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrelay/internal/cache"
	"tokenrelay/internal/core"
	"tokenrelay/internal/credential"
	"tokenrelay/internal/usage"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer, *credential.MemoryStore) {
	t.Helper()
	store := credential.NewMemoryStore()
	out := &bytes.Buffer{}
	return &cli{
		store:        store,
		hasher:       credential.NewHasher("pepper"),
		keyPrefix:    "sk-proxy-",
		defaultLimit: 5000,
		in:           strings.NewReader(""),
		out:          out,
		now:          func() time.Time { return fixedNow },
	}, out, store
}

func TestCreate(t *testing.T) {
	c, out, store := newTestCLI(t)
	ctx := context.Background()

	err := c.run(ctx, []string{"create", "-name", "ci", "-tier", "premium", "-expires", "24h", "-allow-ip", "10.0.0.0/8, 192.168.1.5"})
	require.NoError(t, err)

	var created struct {
		ID        string   `json:"id"`
		Token     string   `json:"token"`
		Tier      string   `json:"rate_limit_tier"`
		Limit     int64    `json:"token_limit"`
		AllowedIP []string `json:"allowed_ips"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Token, "sk-proxy-"))
	assert.Equal(t, "premium", created.Tier)
	assert.Equal(t, int64(5000), created.Limit)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.5"}, created.AllowedIP)
	assert.NotContains(t, out.String(), "key_hash")

	stored, err := store.GetByHash(ctx, c.hasher.Hash(created.Token))
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, fixedNow.Add(24*time.Hour), *stored.ExpiresAt)
}

func TestCreate_InvalidTier(t *testing.T) {
	c, _, _ := newTestCLI(t)
	err := c.run(context.Background(), []string{"create", "-tier", "gold"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rate limit tier")
}

func TestImport(t *testing.T) {
	c, _, store := newTestCLI(t)
	c.in = strings.NewReader("sk-existing-token-value\n")

	require.NoError(t, c.run(context.Background(), []string{"import", "-name", "legacy", "-limit", "10"}))

	cred, err := store.GetByHash(context.Background(), c.hasher.Hash("sk-existing-token-value"))
	require.NoError(t, err)
	assert.Equal(t, "legacy", cred.Name)
	assert.Equal(t, int64(10), cred.TokenLimit)
	assert.Equal(t, credential.Prefix("sk-existing-token-value"), cred.KeyPrefix)
}

func TestImport_HiddenInput(t *testing.T) {
	c, _, store := newTestCLI(t)
	c.readSecret = func() (string, error) { return "  sk-typed-token  ", nil }

	require.NoError(t, c.run(context.Background(), []string{"import"}))
	_, err := store.GetByHash(context.Background(), c.hasher.Hash("sk-typed-token"))
	require.NoError(t, err)
}

func TestStatusTransitions(t *testing.T) {
	c, out, store := newTestCLI(t)
	ctx := context.Background()

	hasher := c.hasher
	cred := &core.Credential{KeyHash: hasher.Hash("t1"), KeyPrefix: "t1"}
	require.NoError(t, store.Create(ctx, cred))

	evicted := cache.NewLocalCache(time.Minute)
	require.NoError(t, evicted.Set(ctx, cred))
	c.cache = evicted

	require.NoError(t, c.run(ctx, []string{"disable", cred.ID}))
	assert.Contains(t, out.String(), "active -> disabled")
	got, err := evicted.Get(ctx, cred.KeyHash)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.run(ctx, []string{"enable", cred.ID}))
	require.NoError(t, c.run(ctx, []string{"delete", cred.ID}))

	err = c.run(ctx, []string{"enable", cred.ID})
	require.ErrorIs(t, err, credential.ErrInvalidTransition)

	stored, err := store.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSoftDeleted, stored.Status)
}

func TestPurge(t *testing.T) {
	c, _, store := newTestCLI(t)
	ctx := context.Background()
	cred := &core.Credential{KeyHash: c.hasher.Hash("t2"), KeyPrefix: "t2"}
	require.NoError(t, store.Create(ctx, cred))

	require.NoError(t, c.run(ctx, []string{"purge", cred.ID}))
	_, err := store.GetByID(ctx, cred.ID)
	require.ErrorIs(t, err, credential.ErrNotFound)
}

func TestListTable(t *testing.T) {
	c, out, store := newTestCLI(t)
	c.table = true
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &core.Credential{KeyHash: "h", KeyPrefix: "sk-proxy-ab", Name: "alpha", TokenLimit: 100}))

	require.NoError(t, c.run(ctx, []string{"list"}))
	assert.Contains(t, out.String(), "STATUS")
	assert.Contains(t, out.String(), "alpha")
	assert.Contains(t, out.String(), "0/100")
}

func TestUsageSummary(t *testing.T) {
	c, out, _ := newTestCLI(t)
	ctx := context.Background()
	reader := usage.NewMemoryStore()
	require.NoError(t, reader.WriteBatch(ctx, []*usage.UsageEntry{
		{ID: "1", RequestID: "r1", CredentialID: "c1", Timestamp: fixedNow.Add(-time.Hour), TotalTokens: 30, PromptTokens: 10, CompletionTokens: 20},
		{ID: "2", RequestID: "r2", CredentialID: "c1", Timestamp: fixedNow.Add(-48 * time.Hour), TotalTokens: 5},
		{ID: "3", RequestID: "r3", CredentialID: "c2", Timestamp: fixedNow.Add(-time.Hour), TotalTokens: 7},
	}))
	c.reader = reader

	require.NoError(t, c.run(ctx, []string{"usage", "-credential", "c1", "-since", "24h"}))

	var s usage.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, int64(1), s.Requests)
	assert.Equal(t, int64(30), s.TotalTokens)
}

func TestUsageDisabled(t *testing.T) {
	c, _, _ := newTestCLI(t)
	require.Error(t, c.run(context.Background(), []string{"usage"}))
}

func TestUnknownCommand(t *testing.T) {
	c, out, _ := newTestCLI(t)
	err := c.run(context.Background(), []string{"rotate"})
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, out.String(), "commands:")
}
