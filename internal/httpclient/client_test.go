package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSeconds(t *testing.T) {
	cfg := FromSeconds(30, 0)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, DefaultConfig().ResponseHeaderTimeout, cfg.ResponseHeaderTimeout)

	cfg = FromSeconds(0, 5)
	assert.Equal(t, DefaultConfig().Timeout, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.ResponseHeaderTimeout)
}

func TestNewHTTPClient(t *testing.T) {
	cfg := FromSeconds(12, 7)
	client := NewHTTPClient(&cfg)
	assert.Equal(t, 12*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.True(t, transport.DisableCompression)
	assert.Equal(t, 7*time.Second, transport.ResponseHeaderTimeout)
}

func TestNewHTTPClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(nil).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}
