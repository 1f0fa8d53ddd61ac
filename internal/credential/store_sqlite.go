package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tokenrelay/internal/core"
)

const sqliteCredentialColumns = `id, key_hash, key_prefix, name, status, token_limit, tokens_used,
	rate_limit_tier, allowed_ips, allowed_origins, request_count, error_count,
	created_at, expires_at, last_used_at`

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the credentials table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			token_limit INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			rate_limit_tier TEXT NOT NULL,
			allowed_ips TEXT,
			allowed_origins TEXT,
			request_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			last_used_at TEXT
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status)"); err != nil {
		slog.Warn("failed to create index", "error", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, cred *core.Credential) error {
	if err := prepareCreate(cred, uuid.NewString); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (`+sqliteCredentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.KeyHash, cred.KeyPrefix, cred.Name, string(cred.Status),
		cred.TokenLimit, cred.TokensUsed, string(cred.Tier),
		marshalList(cred.AllowedIPs), marshalList(cred.AllowedOrigins),
		cred.RequestCount, cred.ErrorCount,
		formatTime(&cred.CreatedAt), formatTime(cred.ExpiresAt), formatTime(cred.LastUsedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByHash(ctx context.Context, keyHash string) (*core.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCredentialColumns+` FROM credentials WHERE key_hash = ?`, keyHash)
	return scanSQLiteCredential(row)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*core.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCredentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanSQLiteCredential(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*core.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteCredentialColumns+` FROM credentials ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*core.Credential
	for rows.Next() {
		cred, err := scanSQLiteCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status core.Status) error {
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(cur, status); err != nil {
		return err
	}

	// Guard on the observed status so a concurrent transition is not overwritten.
	var result sql.Result
	if status == core.StatusHardDeleted {
		result, err = s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ? AND status = ?`, id, string(cur.Status))
	} else {
		result, err = s.db.ExecContext(ctx, `UPDATE credentials SET status = ? WHERE id = ? AND status = ?`,
			string(status), id, string(cur.Status))
	}
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) AddTokensUsed(ctx context.Context, id string, delta int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE credentials SET tokens_used = MAX(tokens_used + ?, 0) WHERE id = ? RETURNING tokens_used`,
		delta, id,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to add tokens used: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE credentials SET last_used_at = ? WHERE id = ?`, formatTime(&at), id)
}

func (s *SQLiteStore) IncrementCounts(ctx context.Context, id string, requests, errs int64) error {
	return s.execOne(ctx,
		`UPDATE credentials SET request_count = request_count + ?, error_count = error_count + ? WHERE id = ?`,
		requests, errs, id)
}

// Close is a no-op; the connection is owned by the storage layer.
func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCredential(row rowScanner) (*core.Credential, error) {
	var (
		cred                core.Credential
		status, tier        string
		ips, origins        sql.NullString
		createdAt           string
		expiresAt, lastUsed sql.NullString
	)
	err := row.Scan(&cred.ID, &cred.KeyHash, &cred.KeyPrefix, &cred.Name, &status,
		&cred.TokenLimit, &cred.TokensUsed, &tier, &ips, &origins,
		&cred.RequestCount, &cred.ErrorCount, &createdAt, &expiresAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}

	cred.Status = core.Status(status)
	cred.Tier = core.Tier(tier)
	cred.AllowedIPs = unmarshalList(ips)
	cred.AllowedOrigins = unmarshalList(origins)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		cred.CreatedAt = *t
	}
	cred.ExpiresAt = parseTime(expiresAt)
	cred.LastUsedAt = parseTime(lastUsed)
	return &cred, nil
}

func marshalList(list []string) any {
	if len(list) == 0 {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(v.String), &list); err != nil {
		slog.Warn("failed to decode credential list column", "error", err)
		return nil
	}
	return list
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
