package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrelay/internal/cache"
	"tokenrelay/internal/core"
	"tokenrelay/internal/credential"
)

const testToken = "tr-test-token-0123456789"

func setupGate(t *testing.T, mutate func(*core.Credential)) (*Gate, *credential.MemoryStore, *core.Credential) {
	t.Helper()
	store := credential.NewMemoryStore()
	hasher := credential.NewHasher("pepper")
	cred := &core.Credential{
		KeyHash:    hasher.Hash(testToken),
		KeyPrefix:  credential.Prefix(testToken),
		TokenLimit: 1000,
	}
	if mutate != nil {
		mutate(cred)
	}
	require.NoError(t, store.Create(context.Background(), cred))
	return NewGate(store, cache.NewLocalCache(time.Minute), hasher), store, cred
}

func relayKind(t *testing.T, err error) core.ErrorKind {
	t.Helper()
	require.Error(t, err)
	re := core.AsRelayError(err)
	require.NotNil(t, re)
	return re.Kind
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"lowercase scheme", map[string]string{"Authorization": "bearer abc"}, "abc"},
		{"x-api-key", map[string]string{"X-API-Key": "xyz"}, "xyz"},
		{"bearer wins", map[string]string{"Authorization": "Bearer abc", "X-API-Key": "xyz"}, "abc"},
		{"basic ignored", map[string]string{"Authorization": "Basic Zm9v"}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ExtractToken(req))
		})
	}
}

func TestAuthenticate_Success(t *testing.T) {
	gate, store, cred := setupGate(t, nil)

	got, err := gate.Authenticate(context.Background(), Request{Token: testToken, ClientIP: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	gate.Wait()
	stored, err := store.GetByID(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestAuthenticate_Failures(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*core.Credential)
		req    Request
		want   core.ErrorKind
		msg    string
	}{
		{"missing token", nil, Request{}, core.ErrorKindUnauthenticated, "missing credential"},
		{"unknown token", nil, Request{Token: "nope"}, core.ErrorKindUnauthenticated, "invalid credential"},
		{"disabled", func(c *core.Credential) { c.Status = core.StatusDisabled }, Request{Token: testToken}, core.ErrorKindForbidden, "credential disabled"},
		{"expired", func(c *core.Credential) { c.ExpiresAt = &past }, Request{Token: testToken}, core.ErrorKindForbidden, "credential expired"},
		{"ip not allowed", func(c *core.Credential) { c.AllowedIPs = []string{"10.0.0.0/8"} }, Request{Token: testToken, ClientIP: "192.168.1.1"}, core.ErrorKindForbidden, "ip not allowed"},
		{"origin not allowed", func(c *core.Credential) { c.AllowedOrigins = []string{"https://ok.example"} }, Request{Token: testToken, Origin: "https://evil.example"}, core.ErrorKindForbidden, "origin not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, _, cred := setupGate(t, tt.mutate)
			got, err := gate.Authenticate(context.Background(), tt.req)
			assert.Equal(t, tt.want, relayKind(t, err))
			assert.Equal(t, tt.msg, core.AsRelayError(err).Message)
			if tt.want == core.ErrorKindForbidden {
				require.NotNil(t, got, "forbidden carries the credential for attribution")
				assert.Equal(t, cred.ID, got.ID)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestAuthenticate_SoftDeletedIsUnknown(t *testing.T) {
	gate, store, cred := setupGate(t, nil)
	require.NoError(t, store.SetStatus(context.Background(), cred.ID, core.StatusSoftDeleted))

	_, err := gate.Authenticate(context.Background(), Request{Token: testToken})
	assert.Equal(t, core.ErrorKindUnauthenticated, relayKind(t, err))
}

func TestAuthenticate_InvalidateAfterDisable(t *testing.T) {
	gate, store, cred := setupGate(t, nil)
	ctx := context.Background()

	_, err := gate.Authenticate(ctx, Request{Token: testToken})
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, cred.ID, core.StatusDisabled))
	gate.Invalidate(ctx, cred.KeyHash)

	_, err = gate.Authenticate(ctx, Request{Token: testToken})
	assert.Equal(t, core.ErrorKindForbidden, relayKind(t, err))
	gate.Wait()
}

func TestIPAllowed(t *testing.T) {
	assert.True(t, ipAllowed(nil, "1.2.3.4"))
	assert.True(t, ipAllowed([]string{"1.2.3.4"}, "1.2.3.4"))
	assert.True(t, ipAllowed([]string{"10.0.0.0/8"}, "10.20.30.40"))
	assert.True(t, ipAllowed([]string{"1.2.3.4"}, "::ffff:1.2.3.4"))
	assert.True(t, ipAllowed([]string{"2001:db8::/32"}, "2001:db8::1"))
	assert.False(t, ipAllowed([]string{"10.0.0.0/8"}, "11.0.0.1"))
	assert.False(t, ipAllowed([]string{"1.2.3.4"}, "not-an-ip"))
	assert.False(t, ipAllowed([]string{"garbage"}, "1.2.3.4"))
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed(nil, "https://a.example"))
	assert.True(t, originAllowed([]string{"https://a.example"}, ""))
	assert.True(t, originAllowed([]string{"https://a.example/"}, "https://A.example"))
	assert.True(t, originAllowed([]string{"*"}, "https://b.example"))
	assert.False(t, originAllowed([]string{"https://a.example"}, "https://b.example"))
}
