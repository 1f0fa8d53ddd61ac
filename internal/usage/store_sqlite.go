package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite has a default limit of 999 bindable parameters per query (SQLITE_MAX_VARIABLE_NUMBER).
const (
	maxSQLiteParams      = 999
	columnsPerUsageEntry = 26
	maxEntriesPerBatch   = maxSQLiteParams / columnsPerUsageEntry // 38 entries
)

// sqliteTimeFormat is fixed width so stored timestamps sort as text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

const usageColumns = `id, credential_id, request_id, timestamp, method, path,
	request_bytes, response_bytes, upstream_status, status_code, latency_ms, attempts,
	model, prompt_tokens, completion_tokens, total_tokens, usage_source,
	outcome, is_error, error_code, error_message,
	input_cost, output_cost, total_cost, client_ip, user_agent`

// SQLiteStore implements UsageStore for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates a new SQLite usage store.
// It creates the usage table if it doesn't exist and starts
// a background cleanup goroutine if retention is configured.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL,
			request_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			request_bytes INTEGER NOT NULL DEFAULT 0,
			response_bytes INTEGER NOT NULL DEFAULT 0,
			upstream_status INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			usage_source TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			is_error INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			input_cost REAL NOT NULL DEFAULT 0,
			output_cost REAL NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_usage_credential_id ON usage(credential_id)",
		"CREATE INDEX IF NOT EXISTS idx_usage_model ON usage(model)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch inserts entries in chunks that stay within SQLite's parameter
// limit. Entries whose request id already exists are skipped.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*UsageEntry) error {
	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		chunk := entries[i:min(i+maxEntriesPerBatch, len(entries))]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerUsageEntry)
		row := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnsPerUsageEntry), ", ") + ")"

		for j, e := range chunk {
			placeholders[j] = row
			values = append(values,
				e.ID, e.CredentialID, e.RequestID, e.Timestamp.UTC().Format(sqliteTimeFormat),
				e.Method, e.Path,
				e.RequestBytes, e.ResponseBytes, e.UpstreamStatus, e.StatusCode, e.LatencyMs, e.Attempts,
				e.Model, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.UsageSource,
				string(e.Outcome), e.IsError, e.ErrorCode, e.ErrorMessage,
				e.InputCost, e.OutputCost, e.TotalCost, e.ClientIP, e.UserAgent,
			)
		}

		query := `INSERT OR IGNORE INTO usage (` + usageColumns + `) VALUES ` + strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert usage batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Summarize(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q,
		func(int) string { return "?" },
		func(t time.Time) any { return t.UTC().Format(sqliteTimeFormat) },
	)

	sum := &Summary{}
	err := s.db.QueryRowContext(ctx, "SELECT "+summaryColumns+" FROM usage"+where, args...).Scan(
		&sum.Requests, &sum.Errors, &sum.PromptTokens, &sum.CompletionTokens, &sum.TotalTokens, &sum.TotalCost,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	return sum, nil
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The DB belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

// cleanup deletes usage entries older than the retention period.
func (s *SQLiteStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	cutoff := retentionCutoff(time.Now(), s.retentionDays).Format(sqliteTimeFormat)

	result, err := s.db.Exec("DELETE FROM usage WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old usage entries", "error", err)
		return
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		slog.Info("cleaned up old usage entries", "deleted", rowsAffected)
	}
}
