package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenrelay/internal/core"
)

const pgCredentialColumns = `id, key_hash, key_prefix, name, status, token_limit, tokens_used,
	rate_limit_tier, allowed_ips, allowed_origins, request_count, error_count,
	created_at, expires_at, last_used_at`

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the credentials table if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			id UUID PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			token_limit BIGINT NOT NULL DEFAULT 0,
			tokens_used BIGINT NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
			rate_limit_tier TEXT NOT NULL,
			allowed_ips TEXT[],
			allowed_origins TEXT[],
			request_count BIGINT NOT NULL DEFAULT 0,
			error_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status)"); err != nil {
		slog.Warn("failed to create index", "error", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) Create(ctx context.Context, cred *core.Credential) error {
	if err := prepareCreate(cred, uuid.NewString); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO credentials (`+pgCredentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cred.ID, cred.KeyHash, cred.KeyPrefix, cred.Name, string(cred.Status),
		cred.TokenLimit, cred.TokensUsed, string(cred.Tier),
		cred.AllowedIPs, cred.AllowedOrigins,
		cred.RequestCount, cred.ErrorCount,
		cred.CreatedAt, cred.ExpiresAt, cred.LastUsedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) GetByHash(ctx context.Context, keyHash string) (*core.Credential, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgCredentialColumns+` FROM credentials WHERE key_hash = $1`, keyHash)
	return scanPGCredential(row)
}

func (s *PostgreSQLStore) GetByID(ctx context.Context, id string) (*core.Credential, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgCredentialColumns+` FROM credentials WHERE id = $1`, id)
	return scanPGCredential(row)
}

func (s *PostgreSQLStore) List(ctx context.Context) ([]*core.Credential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgCredentialColumns+` FROM credentials ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*core.Credential
	for rows.Next() {
		cred, err := scanPGCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *PostgreSQLStore) SetStatus(ctx context.Context, id string, status core.Status) error {
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(cur, status); err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if status == core.StatusHardDeleted {
		tag, err = s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1 AND status = $2`, id, string(cur.Status))
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE credentials SET status = $1 WHERE id = $2 AND status = $3`,
			string(status), id, string(cur.Status))
	}
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrConflict)
	}
	return nil
}

func (s *PostgreSQLStore) AddTokensUsed(ctx context.Context, id string, delta int64) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`UPDATE credentials SET tokens_used = GREATEST(tokens_used + $1, 0) WHERE id = $2 RETURNING tokens_used`,
		delta, id,
	).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to add tokens used: %w", err)
	}
	return total, nil
}

func (s *PostgreSQLStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE credentials SET last_used_at = $1 WHERE id = $2`, at.UTC(), id)
}

func (s *PostgreSQLStore) IncrementCounts(ctx context.Context, id string, requests, errs int64) error {
	return s.execOne(ctx,
		`UPDATE credentials SET request_count = request_count + $1, error_count = error_count + $2 WHERE id = $3`,
		requests, errs, id)
}

// Close is a no-op; the pool is owned by the storage layer.
func (s *PostgreSQLStore) Close() error { return nil }

func (s *PostgreSQLStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPGCredential(row pgx.Row) (*core.Credential, error) {
	var (
		cred         core.Credential
		status, tier string
	)
	err := row.Scan(&cred.ID, &cred.KeyHash, &cred.KeyPrefix, &cred.Name, &status,
		&cred.TokenLimit, &cred.TokensUsed, &tier, &cred.AllowedIPs, &cred.AllowedOrigins,
		&cred.RequestCount, &cred.ErrorCount, &cred.CreatedAt, &cred.ExpiresAt, &cred.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	cred.Status = core.Status(status)
	cred.Tier = core.Tier(tier)
	return &cred, nil
}
