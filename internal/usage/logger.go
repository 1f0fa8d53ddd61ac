package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// syncWriteTimeout bounds a write that bypasses the buffer.
const syncWriteTimeout = 5 * time.Second

// Logger provides async buffered logging with batch writes.
// It collects usage entries in a channel and flushes them to storage
// either when the batch threshold is reached or at regular intervals.
// An entry that cannot be queued is written synchronously instead of dropped.
type Logger struct {
	store         UsageStore
	config        Config
	buffer        chan *UsageEntry
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup // tracks in-flight Write calls
	flushInterval time.Duration
	closed        atomic.Bool
	syncWrites    atomic.Int64
}

// NewLogger creates a new async buffered Logger.
// The logger starts a background goroutine for flushing entries.
func NewLogger(store UsageStore, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	l := &Logger{
		store:         store,
		config:        cfg,
		buffer:        make(chan *UsageEntry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues a usage entry for async writing. It does not block on the
// buffer: when the buffer is full or the logger is closed, the entry goes
// straight to the store.
func (l *Logger) Write(entry *UsageEntry) {
	if entry == nil {
		return
	}

	if l.closed.Load() {
		l.writeSync(entry, "logger closed")
		return
	}

	l.writes.Add(1)
	defer l.writes.Done()

	// Close() may have set closed between the first check and Add(1)
	if l.closed.Load() {
		l.writeSync(entry, "logger closed")
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.writeSync(entry, "buffer full")
	}
}

func (l *Logger) writeSync(entry *UsageEntry, reason string) {
	l.syncWrites.Add(1)
	slog.Warn("usage entry written synchronously",
		"reason", reason,
		"request_id", entry.RequestID,
	)

	ctx, cancel := context.WithTimeout(context.Background(), syncWriteTimeout)
	defer cancel()
	if err := l.store.WriteBatch(ctx, []*UsageEntry{entry}); err != nil {
		slog.Error("failed to write usage entry",
			"error", err,
			"request_id", entry.RequestID,
		)
	}
}

// SyncWrites returns how many entries bypassed the buffer.
func (l *Logger) SyncWrites() int64 {
	return l.syncWrites.Load()
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}

// Close stops the logger and flushes remaining entries.
// Close is idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.writes.Wait()
	close(l.done)
	l.wg.Wait()

	return l.store.Close()
}

// flushLoop runs in the background and periodically flushes the buffer.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*UsageEntry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*UsageEntry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*UsageEntry, 0, BatchFlushThreshold)
			}

		case <-l.done:
			// l.closed is already set and no Write is in flight
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush usage store", "error", err)
			}
			cancel()
			return
		}
	}
}

// flushBatch writes a batch of entries to the store.
func (l *Logger) flushBatch(batch []*UsageEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write usage batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// NoopLogger discards entries (used when usage tracking is disabled)
type NoopLogger struct{}

func (l *NoopLogger) Write(_ *UsageEntry) {}

func (l *NoopLogger) Config() Config {
	return Config{Enabled: false}
}

func (l *NoopLogger) Close() error {
	return nil
}

// LoggerInterface defines the interface for loggers (both real and noop)
type LoggerInterface interface {
	Write(entry *UsageEntry)
	Config() Config
	Close() error
}
