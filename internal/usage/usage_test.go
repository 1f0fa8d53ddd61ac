package usage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore implements UsageStore for testing
type mockStore struct {
	entries []*UsageEntry
	mu      sync.Mutex
	closed  bool
	batches int
}

func (m *mockStore) WriteBatch(ctx context.Context, entries []*UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	m.batches++
	return nil
}

func (m *mockStore) Flush(ctx context.Context) error {
	return nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) getEntries() []*UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*UsageEntry, len(m.entries))
	copy(result, m.entries)
	return result
}

func TestLogger(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{
		Enabled:       true,
		BufferSize:    100,
		FlushInterval: 20 * time.Millisecond,
	})

	for i := range 5 {
		logger.Write(&UsageEntry{RequestID: fmt.Sprintf("req-%d", i)})
	}

	require.Eventually(t, func() bool { return len(store.getEntries()) == 5 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, logger.Close())
	assert.True(t, store.closed)
}

func TestLoggerClose(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: time.Hour,
	})

	for i := range 10 {
		logger.Write(&UsageEntry{RequestID: fmt.Sprintf("req-%d", i)})
	}

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	assert.Len(t, store.getEntries(), 10)
}

func TestLoggerBufferFull_WritesSynchronously(t *testing.T) {
	store := &mockStore{}
	// no flush loop: the buffer fills after one entry
	logger := &Logger{
		store:  store,
		config: Config{Enabled: true, BufferSize: 1},
		buffer: make(chan *UsageEntry, 1),
		done:   make(chan struct{}),
	}

	logger.Write(&UsageEntry{RequestID: "queued"})
	logger.Write(&UsageEntry{RequestID: "overflow-1"})
	logger.Write(&UsageEntry{RequestID: "overflow-2"})

	entries := store.getEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "overflow-1", entries[0].RequestID)
	assert.Equal(t, "overflow-2", entries[1].RequestID)
	assert.Equal(t, int64(2), logger.SyncWrites())
	assert.Len(t, logger.buffer, 1)
}

func TestLoggerWriteAfterClose(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 10, FlushInterval: time.Hour})
	require.NoError(t, logger.Close())

	logger.Write(&UsageEntry{RequestID: "late"})
	logger.Write(nil)

	entries := store.getEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "late", entries[0].RequestID)
}

func TestLoggerBatchThreshold(t *testing.T) {
	store := &mockStore{}
	logger := NewLogger(store, Config{Enabled: true, BufferSize: 1000, FlushInterval: time.Hour})
	defer logger.Close()

	for i := range BatchFlushThreshold {
		logger.Write(&UsageEntry{RequestID: fmt.Sprintf("req-%d", i)})
	}

	require.Eventually(t, func() bool { return len(store.getEntries()) == BatchFlushThreshold }, 2*time.Second, 10*time.Millisecond)
}

func TestNoopLogger(t *testing.T) {
	logger := &NoopLogger{}
	logger.Write(&UsageEntry{ID: "test"})
	assert.False(t, logger.Config().Enabled)
	assert.NoError(t, logger.Close())
}
