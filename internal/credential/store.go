// Package credential stores hashed proxy credentials with their quota,
// tier and status metadata.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenrelay/internal/core"
)

var (
	// ErrNotFound is returned when no credential matches the lookup.
	ErrNotFound = errors.New("credential not found")
	// ErrInvalidTransition is returned when a status change is not permitted.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when the credential changed concurrently or the key hash already exists.
	ErrConflict = errors.New("credential conflict")
)

// Store is the read/write boundary for credentials.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new credential. ID and CreatedAt are filled in when empty.
	Create(ctx context.Context, cred *core.Credential) error

	// GetByHash looks a credential up by its key digest.
	GetByHash(ctx context.Context, keyHash string) (*core.Credential, error)

	// GetByID looks a credential up by id.
	GetByID(ctx context.Context, id string) (*core.Credential, error)

	// List returns all retained credentials, newest first.
	List(ctx context.Context) ([]*core.Credential, error)

	// SetStatus moves a credential to a new status. Moving to
	// core.StatusHardDeleted removes the record.
	SetStatus(ctx context.Context, id string, status core.Status) error

	// AddTokensUsed atomically adds delta to tokens_used and returns the new total.
	AddTokensUsed(ctx context.Context, id string, delta int64) (int64, error)

	// TouchLastUsed records the last successful authentication time.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// IncrementCounts bumps request_count and error_count.
	IncrementCounts(ctx context.Context, id string, requests, errs int64) error

	Close() error
}

// checkTransition validates a status change against the lifecycle rules.
func checkTransition(cur *core.Credential, next core.Status) error {
	if !cur.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}
	return nil
}

// prepareCreate validates a new credential and fills defaults.
func prepareCreate(cred *core.Credential, newID func() string) error {
	if cred == nil {
		return fmt.Errorf("credential is required")
	}
	if cred.KeyHash == "" {
		return fmt.Errorf("credential key hash is required")
	}
	if cred.ID == "" {
		cred.ID = newID()
	}
	if cred.Status == "" {
		cred.Status = core.StatusActive
	}
	if cred.Status.Terminal() {
		return fmt.Errorf("%w: cannot create a %s credential", ErrInvalidTransition, cred.Status)
	}
	if cred.Tier == "" {
		cred.Tier = core.TierBasic
	}
	if cred.TokenLimit < 0 {
		return fmt.Errorf("token limit must be >= 0")
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	return nil
}
