package credential

import (
	"context"
	"fmt"

	"tokenrelay/internal/storage"
)

// New returns the Store matching the storage backend.
func New(ctx context.Context, store storage.Storage) (Store, error) {
	switch store.Type() {
	case storage.TypeMemory:
		return NewMemoryStore(), nil
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool())
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
