package core

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a named rate-limit class attached to a credential.
type Tier string

const (
	TierBasic     Tier = "basic"
	TierPremium   Tier = "premium"
	TierUnlimited Tier = "unlimited"
)

// ParseTier normalizes a tier name. Empty input yields TierBasic.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierBasic:
		return TierBasic, nil
	case TierPremium:
		return TierPremium, nil
	case TierUnlimited:
		return TierUnlimited, nil
	default:
		return "", fmt.Errorf("unknown rate limit tier %q (valid: basic, premium, unlimited)", s)
	}
}

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusActive      Status = "active"
	StatusDisabled    Status = "disabled"
	StatusSoftDeleted Status = "soft_deleted"
	StatusHardDeleted Status = "hard_deleted"
)

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusSoftDeleted || s == StatusHardDeleted
}

// CanTransition reports whether a credential in status s may move to next.
// active and disabled swap freely; both may be deleted; deleted states never change.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusActive, StatusDisabled, StatusSoftDeleted, StatusHardDeleted:
		return true
	default:
		return false
	}
}

// Credential is a proxy-issued access token standing in for the upstream secret.
// The raw token is never stored; KeyHash is a one-way digest and KeyPrefix is
// kept for display only.
type Credential struct {
	ID        string `json:"id" bson:"_id"`
	KeyHash   string `json:"-" bson:"key_hash"`
	KeyPrefix string `json:"key_prefix" bson:"key_prefix"`
	Name      string `json:"name" bson:"name"`
	Status    Status `json:"status" bson:"status"`

	TokenLimit int64 `json:"token_limit" bson:"token_limit"`
	TokensUsed int64 `json:"tokens_used" bson:"tokens_used"`
	Tier       Tier  `json:"rate_limit_tier" bson:"rate_limit_tier"`

	AllowedIPs     []string `json:"allowed_ips,omitempty" bson:"allowed_ips,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" bson:"allowed_origins,omitempty"`

	RequestCount int64 `json:"request_count" bson:"request_count"`
	ErrorCount   int64 `json:"error_count" bson:"error_count"`

	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" bson:"last_used_at,omitempty"`
}

// Unlimited reports whether quota checks are skipped for this credential.
func (c *Credential) Unlimited() bool {
	return c.Tier == TierUnlimited
}

// Expired reports whether the credential has an expiry at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Remaining returns the unconsumed token headroom, never negative.
func (c *Credential) Remaining() int64 {
	if r := c.TokenLimit - c.TokensUsed; r > 0 {
		return r
	}
	return 0
}
