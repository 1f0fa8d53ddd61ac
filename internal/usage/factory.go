package usage

import (
	"context"
	"fmt"

	"tokenrelay/internal/storage"
)

// Setup holds the initialized usage logger and the reader over the same store.
// The caller is responsible for calling Close() to release resources.
type Setup struct {
	Logger LoggerInterface
	Reader Reader
}

// Close flushes and closes the logger. Safe to call multiple times.
// The shared storage connection is closed by its owner.
func (r *Setup) Close() error {
	if r.Logger == nil {
		return nil
	}
	if err := r.Logger.Close(); err != nil {
		return fmt.Errorf("logger close: %w", err)
	}
	return nil
}

// New creates a usage logger on a shared storage connection.
// If usage tracking is disabled, the logger is a NoopLogger and Reader is nil.
func New(ctx context.Context, cfg Config, store storage.Storage) (*Setup, error) {
	if !cfg.Enabled {
		return &Setup{Logger: &NoopLogger{}}, nil
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required when usage tracking is enabled")
	}

	usageStore, reader, err := createUsageStore(ctx, store, cfg.RetentionDays)
	if err != nil {
		return nil, err
	}

	return &Setup{
		Logger: NewLogger(usageStore, cfg),
		Reader: reader,
	}, nil
}

// createUsageStore creates the appropriate UsageStore for the given storage backend.
func createUsageStore(ctx context.Context, store storage.Storage, retentionDays int) (UsageStore, Reader, error) {
	switch store.Type() {
	case storage.TypeMemory:
		s := NewMemoryStore()
		return s, s, nil

	case storage.TypeSQLite:
		s, err := NewSQLiteStore(store.SQLiteDB(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case storage.TypePostgreSQL:
		s, err := NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case storage.TypeMongoDB:
		s, err := NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
