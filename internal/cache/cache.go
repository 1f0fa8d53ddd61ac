// Package cache keeps recently authenticated credentials close to the
// auth gate so most requests skip the credential store. Supports an
// in-process backend and a Redis backend for multi-instance deployments.
package cache

import (
	"context"
	"time"

	"tokenrelay/internal/core"
)

// DefaultTTL bounds how long a status change can take to reach every instance.
const DefaultTTL = 30 * time.Second

// CredentialCache caches credentials by key hash.
// Implementations must be safe for concurrent use.
type CredentialCache interface {
	// Get returns the cached credential, or nil, nil on a miss.
	Get(ctx context.Context, keyHash string) (*core.Credential, error)

	// Set stores cred under its KeyHash.
	Set(ctx context.Context, cred *core.Credential) error

	// Delete evicts a key hash.
	Delete(ctx context.Context, keyHash string) error

	// Close releases any resources held by the cache.
	Close() error
}

// record is the cached form of a credential. core.Credential hides KeyHash
// from JSON, so it is carried alongside.
type record struct {
	KeyHash string `json:"key_hash"`
	*core.Credential
}

func (r record) credential() *core.Credential {
	if r.Credential == nil {
		return nil
	}
	cred := *r.Credential
	cred.KeyHash = r.KeyHash
	return &cred
}
