package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concurrent counter increments must not lose updates or hit SQLITE_BUSY;
// the credential store relies on this for tokens_used.
func TestSQLiteConcurrentIncrements(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer store.Close()

	db := store.SQLiteDB()
	_, err = db.Exec(`CREATE TABLE counters (id TEXT PRIMARY KEY, n INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO counters (id, n) VALUES ('a', 0), ('b', 0)`)
	require.NoError(t, err)

	const goroutines = 10
	const incrementsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*incrementsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := "a"
			if id%2 == 1 {
				key = "b"
			}
			for j := 0; j < incrementsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, `UPDATE counters SET n = n + 1 WHERE id = ?`, key)
				cancel()
				if err != nil {
					errs <- err
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	expected := (goroutines / 2) * incrementsPerGoroutine
	for _, key := range []string{"a", "b"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT n FROM counters WHERE id = ?`, key).Scan(&n))
		assert.Equal(t, expected, n, "counter %s", key)
	}
}

func TestNew_Memory(t *testing.T) {
	store, err := New(context.Background(), Config{Type: TypeMemory})
	require.NoError(t, err)

	assert.Equal(t, TypeMemory, store.Type())
	assert.Nil(t, store.SQLiteDB())
	assert.Nil(t, store.PostgreSQLPool())
	assert.Nil(t, store.MongoDatabase())
	assert.NoError(t, store.Close())
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "cassandra"})
	require.Error(t, err)
}

func TestNew_MissingURLs(t *testing.T) {
	_, err := New(context.Background(), Config{Type: TypePostgreSQL})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Type: TypeMongoDB})
	require.Error(t, err)
}
