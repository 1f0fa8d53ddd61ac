package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readableStore interface {
	UsageStore
	Reader
}

var suiteBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEntry(requestID, credentialID string, at time.Time, total int64) *UsageEntry {
	return &UsageEntry{
		ID:               uuid.NewString(),
		CredentialID:     credentialID,
		RequestID:        requestID,
		Timestamp:        at,
		Method:           "POST",
		Path:             "/messages",
		StatusCode:       200,
		UpstreamStatus:   200,
		Attempts:         1,
		Model:            "claude-3-haiku",
		PromptTokens:     total / 4,
		CompletionTokens: total - total/4,
		TotalTokens:      total,
		UsageSource:      "upstream",
		Outcome:          OutcomeSuccess,
		TotalCost:        0.5,
	}
}

// runStoreSuite exercises the contract every UsageStore backend must meet.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) readableStore) {
	ctx := context.Background()

	t.Run("DeduplicatesReplayedRequestID", func(t *testing.T) {
		s := newStore(t)
		first := testEntry("req-1", "cred-a", suiteBase, 100)
		replay := testEntry("req-1", "cred-a", suiteBase.Add(time.Second), 999)

		require.NoError(t, s.WriteBatch(ctx, []*UsageEntry{first}))
		require.NoError(t, s.WriteBatch(ctx, []*UsageEntry{replay}))
		require.NoError(t, s.WriteBatch(ctx, []*UsageEntry{testEntry("req-2", "cred-a", suiteBase, 10), testEntry("req-2", "cred-a", suiteBase, 10)}))

		sum, err := s.Summarize(ctx, Query{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), sum.Requests)
		assert.Equal(t, int64(110), sum.TotalTokens, "the first write of a request id wins")
	})

	t.Run("SummarizeFilters", func(t *testing.T) {
		s := newStore(t)
		failed := testEntry("req-3", "cred-a", suiteBase.Add(2*time.Hour), 40)
		failed.Outcome = OutcomeFailure
		failed.IsError = true
		require.NoError(t, s.WriteBatch(ctx, []*UsageEntry{
			testEntry("req-1", "cred-a", suiteBase, 100),
			testEntry("req-2", "cred-b", suiteBase.Add(time.Hour), 200),
			failed,
		}))

		all, err := s.Summarize(ctx, Query{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), all.Requests)
		assert.Equal(t, int64(1), all.Errors)
		assert.Equal(t, int64(340), all.TotalTokens)
		assert.Equal(t, all.TotalTokens, all.PromptTokens+all.CompletionTokens)
		assert.InDelta(t, 1.5, all.TotalCost, 1e-9)

		credA, err := s.Summarize(ctx, Query{CredentialID: "cred-a"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), credA.Requests)
		assert.Equal(t, int64(140), credA.TotalTokens)

		recent, err := s.Summarize(ctx, Query{Since: suiteBase.Add(30 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), recent.Requests)

		none, err := s.Summarize(ctx, Query{CredentialID: "cred-z"})
		require.NoError(t, err)
		assert.Equal(t, &Summary{}, none)
	})

	t.Run("LargeBatch", func(t *testing.T) {
		s := newStore(t)
		batch := make([]*UsageEntry, 0, 150)
		for i := range 150 {
			batch = append(batch, testEntry(fmt.Sprintf("req-%03d", i), "cred-a", suiteBase.Add(time.Duration(i)*time.Second), 2))
		}
		require.NoError(t, s.WriteBatch(ctx, batch))

		sum, err := s.Summarize(ctx, Query{CredentialID: "cred-a"})
		require.NoError(t, err)
		assert.Equal(t, int64(150), sum.Requests)
		assert.Equal(t, int64(300), sum.TotalTokens)
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WriteBatch(ctx, nil))
		require.NoError(t, s.Flush(ctx))
		require.NoError(t, s.Close())
	})
}
