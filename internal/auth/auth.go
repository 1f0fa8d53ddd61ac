// Package auth validates proxy credentials presented by API clients.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"tokenrelay/internal/cache"
	"tokenrelay/internal/core"
	"tokenrelay/internal/credential"
)

const (
	// maxPendingTouches bounds concurrent last_used_at writes.
	maxPendingTouches = 64
	touchTimeout      = 5 * time.Second
)

// Request carries what the gate needs from an inbound call.
type Request struct {
	Token    string
	ClientIP string
	// Origin is the raw Origin header; empty when absent.
	Origin string
}

// ExtractToken reads the proxy credential from "Authorization: Bearer <t>"
// or, failing that, from X-API-Key.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Gate resolves tokens to credentials and enforces status, expiry and
// network restrictions.
type Gate struct {
	store  credential.Store
	cache  cache.CredentialCache
	hasher *credential.Hasher
	now    func() time.Time

	touches chan struct{}
	wg      sync.WaitGroup
}

// NewGate creates a Gate. cache may be nil.
func NewGate(store credential.Store, c cache.CredentialCache, hasher *credential.Hasher) *Gate {
	return &Gate{
		store:   store,
		cache:   c,
		hasher:  hasher,
		now:     time.Now,
		touches: make(chan struct{}, maxPendingTouches),
	}
}

// Authenticate returns the credential for req or a *core.RelayError of kind
// unauthenticated or forbidden. A forbidden error comes with the credential
// it concerns so the rejection can be attributed; it must not be admitted.
func (g *Gate) Authenticate(ctx context.Context, req Request) (*core.Credential, error) {
	if req.Token == "" {
		return nil, core.NewUnauthenticatedError("missing credential")
	}

	keyHash := g.hasher.Hash(req.Token)
	cred, err := g.lookup(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Status.Terminal() {
		return nil, core.NewUnauthenticatedError("invalid credential")
	}
	if !g.hasher.Matches(cred.KeyHash, req.Token) {
		return nil, core.NewUnauthenticatedError("invalid credential")
	}

	switch {
	case cred.Status == core.StatusDisabled:
		return cred, core.NewForbiddenError("credential disabled")
	case cred.Expired(g.now()):
		return cred, core.NewForbiddenError("credential expired")
	case !ipAllowed(cred.AllowedIPs, req.ClientIP):
		return cred, core.NewForbiddenError("ip not allowed")
	case !originAllowed(cred.AllowedOrigins, req.Origin):
		return cred, core.NewForbiddenError("origin not allowed")
	}

	g.touch(cred.ID)
	return cred, nil
}

// Invalidate evicts a credential from the cache after an administrative change.
func (g *Gate) Invalidate(ctx context.Context, keyHash string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Delete(ctx, keyHash); err != nil {
		slog.Warn("failed to evict credential from cache", "error", err)
	}
}

// Wait blocks until pending last_used_at writes finish.
func (g *Gate) Wait() {
	g.wg.Wait()
}

func (g *Gate) lookup(ctx context.Context, keyHash string) (*core.Credential, error) {
	if g.cache != nil {
		cred, err := g.cache.Get(ctx, keyHash)
		if err != nil {
			slog.Warn("credential cache read failed, falling back to store", "error", err)
		} else if cred != nil {
			return cred, nil
		}
	}

	cred, err := g.store.GetByHash(ctx, keyHash)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewInternalError("credential lookup failed", err)
	}

	if g.cache != nil && !cred.Status.Terminal() {
		if err := g.cache.Set(ctx, cred); err != nil {
			slog.Warn("credential cache write failed", "error", err)
		}
	}
	return cred, nil
}

func (g *Gate) touch(id string) {
	select {
	case g.touches <- struct{}{}:
	default:
		slog.Debug("skipping last_used_at update, too many pending", "credential_id", id)
		return
	}

	at := g.now()
	g.wg.Add(1)
	go func() {
		defer func() {
			<-g.touches
			g.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := g.store.TouchLastUsed(ctx, id, at); err != nil {
			slog.Debug("failed to update last_used_at", "credential_id", id, "error", err)
		}
	}()
}

// ipAllowed matches ip against a list of addresses and CIDR prefixes.
// An empty list allows any address.
func ipAllowed(allowed []string, ip string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// originAllowed only restricts requests that carry an Origin header.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, entry := range allowed {
		if entry == "*" || strings.EqualFold(strings.TrimRight(entry, "/"), origin) {
			return true
		}
	}
	return false
}
