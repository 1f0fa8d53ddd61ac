package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrelay/internal/auth"
	"tokenrelay/internal/core"
	"tokenrelay/internal/credential"
	"tokenrelay/internal/forward"
	"tokenrelay/internal/quota"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/tokens"
	"tokenrelay/internal/usage"
)

const testToken = "sk-proxy-relay-test-token"

// syncLogger writes straight to the store so assertions need no flush.
type syncLogger struct{ store *usage.MemoryStore }

func (l syncLogger) Write(e *usage.UsageEntry) {
	_ = l.store.WriteBatch(context.Background(), []*usage.UsageEntry{e})
}
func (l syncLogger) Config() usage.Config { return usage.Config{Enabled: true} }
func (l syncLogger) Close() error         { return nil }

type fixture struct {
	e       *echo.Echo
	creds   *credential.MemoryStore
	counter *quota.MemoryCounter
	usage   *usage.MemoryStore
	cred    *core.Credential
	limiter ratelimit.Limiter
}

type fixtureOpts struct {
	mutate     func(*core.Credential)
	limiter    ratelimit.Limiter
	maxRetries int
}

func newFixture(t *testing.T, upstream *httptest.Server, opts fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()

	creds := credential.NewMemoryStore()
	hasher := credential.NewHasher("pepper")
	cred := &core.Credential{
		KeyHash:    hasher.Hash(testToken),
		KeyPrefix:  credential.Prefix(testToken),
		Name:       "test",
		TokenLimit: 10000,
	}
	if opts.mutate != nil {
		opts.mutate(cred)
	}
	require.NoError(t, creds.Create(ctx, cred))

	counter := quota.NewMemoryCounter()
	ledger := quota.NewLedger(counter, creds)

	cfg := forward.DefaultConfig(upstream.URL, "upstream-secret")
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.MaxRetries = opts.maxRetries
	engine, err := forward.NewEngine(cfg, upstream.Client())
	require.NoError(t, err)

	store := usage.NewMemoryStore()
	rec := usage.NewRecorder(syncLogger{store}, ledger, creds, tokens.NewPricing(nil))

	h := NewHandler(Deps{
		Gate:       auth.NewGate(creds, nil, hasher),
		Limiter:    opts.limiter,
		Ledger:     ledger,
		Forwarder:  engine,
		Accountant: tokens.NewAccountant(tokens.Heuristic{}),
		Recorder:   rec,
	}, Config{})

	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) { _ = WriteError(c, err) }
	e.Any("/*", h.Serve)

	return &fixture{e: e, creds: creds, counter: counter, usage: store, cred: cred, limiter: opts.limiter}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func authedRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (f *fixture) stored(t *testing.T) *core.Credential {
	t.Helper()
	c, err := f.creds.GetByID(context.Background(), f.cred.ID)
	require.NoError(t, err)
	return c
}

func onlyEntry(t *testing.T, s *usage.MemoryStore) usage.UsageEntry {
	t.Helper()
	entries := s.Entries()
	require.Len(t, entries, 1)
	return entries[0]
}

func TestServe_Success(t *testing.T) {
	var gotAuth, gotPath atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"claude-3-haiku","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":15,"output_tokens":45}}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{})
	rec := f.do(t, authedRequest(`{"model":"claude-3-haiku","messages":[{"role":"user","content":"hello"}]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"input_tokens":15`)
	assert.Equal(t, "Bearer upstream-secret", gotAuth.Load())
	assert.Equal(t, "/v1/messages", gotPath.Load())

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, usage.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, int64(15), entry.PromptTokens)
	assert.Equal(t, int64(45), entry.CompletionTokens)
	assert.Equal(t, int64(60), entry.TotalTokens)
	assert.Equal(t, string(tokens.SourceUpstream), entry.UsageSource)
	assert.Equal(t, 1, entry.Attempts)
	assert.Greater(t, entry.TotalCost, 0.0)

	stored := f.stored(t)
	assert.Equal(t, int64(60), stored.TokensUsed)
	assert.Equal(t, int64(1), stored.RequestCount)
	assert.Equal(t, int64(0), stored.ErrorCount)
	assert.Equal(t, quota.Snapshot{Used: 60}, f.counter.Snapshot(f.cred.ID))
}

func TestServe_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"usage":{"input_tokens":3,"output_tokens":4}}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{maxRetries: 3})
	rec := f.do(t, authedRequest(`{"messages":[]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(3), calls.Load())

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, int64(7), entry.TotalTokens)
	assert.Equal(t, int64(1), f.stored(t).RequestCount)
}

func TestServe_RetriesExhausted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{maxRetries: 1})
	rec := f.do(t, authedRequest(`{}`))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream_unavailable", rec.Header().Get(core.ErrorCodeHeader))

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, usage.OutcomeFailure, entry.Outcome)
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, "upstream_unavailable", entry.ErrorCode)

	stored := f.stored(t)
	assert.Equal(t, int64(0), stored.TokensUsed)
	assert.Equal(t, int64(1), stored.ErrorCount)
	assert.Equal(t, quota.Snapshot{}, f.counter.Snapshot(f.cred.ID))
}

func TestServe_UpstreamRejectedPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"type":"authentication_error"}}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{maxRetries: 3})
	rec := f.do(t, authedRequest(`{}`))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":{"type":"authentication_error"}}`, rec.Body.String())
	assert.Equal(t, "upstream_rejected", rec.Header().Get(core.ErrorCodeHeader))

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, usage.OutcomeFailure, entry.Outcome)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, http.StatusUnauthorized, entry.UpstreamStatus)
	assert.Equal(t, quota.Snapshot{}, f.counter.Snapshot(f.cred.ID))
}

func TestServe_MissingToken(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{})
	req := authedRequest(`{}`)
	req.Header.Del("Authorization")
	rec := f.do(t, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", rec.Header().Get(core.ErrorCodeHeader))
	assert.Contains(t, rec.Body.String(), `"code":"unauthenticated"`)
	assert.Empty(t, f.usage.Entries())
	assert.Equal(t, int32(0), calls.Load())
}

func TestServe_DisabledCredential(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Tiers{core.TierBasic: {Requests: 1, Period: time.Minute}})
	defer limiter.Close()

	f := newFixture(t, upstream, fixtureOpts{
		mutate:  func(c *core.Credential) { c.Status = core.StatusDisabled },
		limiter: limiter,
	})
	rec := f.do(t, authedRequest(`{}`))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", rec.Header().Get(core.ErrorCodeHeader))
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, quota.Snapshot{}, f.counter.Snapshot(f.cred.ID))

	// the limiter was never consulted, so its single slot is still free
	d, err := limiter.Allow(context.Background(), f.cred.ID, core.TierBasic)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, usage.OutcomeRejected, entry.Outcome)
	assert.Equal(t, http.StatusForbidden, entry.StatusCode)
}

func TestServe_RateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Tiers{core.TierBasic: {Requests: 1, Period: time.Minute}})
	defer limiter.Close()

	f := newFixture(t, upstream, fixtureOpts{limiter: limiter})

	first := f.do(t, authedRequest(`{}`))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := f.do(t, authedRequest(`{}`))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limited", second.Header().Get(core.ErrorCodeHeader))
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.NotEmpty(t, second.Header().Get("X-RateLimit-Reset"))

	entries := f.usage.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, usage.OutcomeRejected, entries[1].Outcome)
	assert.Equal(t, "rate_limited", entries[1].ErrorCode)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, core.Tier) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}
func (failingLimiter) Close() error { return nil }

func TestServe_LimiterErrorFailsOpen(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{limiter: failingLimiter{}})
	rec := f.do(t, authedRequest(`{}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestServe_QuotaExceeded(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{mutate: func(c *core.Credential) {
		c.TokenLimit = 100
		c.TokensUsed = 100
	}})
	rec := f.do(t, authedRequest(`{"messages":[{"role":"user","content":"hello"}]}`))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "quota_exceeded", rec.Header().Get(core.ErrorCodeHeader))
	assert.Equal(t, int32(0), calls.Load())

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, usage.OutcomeRejected, entry.Outcome)
	assert.Equal(t, int64(100), f.stored(t).TokensUsed)
}

func TestServe_Streaming(t *testing.T) {
	events := []string{
		`event: message_start` + "\n" + `data: {"type":"message_start","message":{"model":"claude-3-haiku","usage":{"input_tokens":25,"output_tokens":1}}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		`event: message_delta` + "\n" + `data: {"type":"message_delta","usage":{"output_tokens":12}}`,
		`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			_, _ = io.WriteString(w, ev+"\n\n")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	f := newFixture(t, upstream, fixtureOpts{})
	rec := f.do(t, authedRequest(`{"stream":true,"messages":[]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "message_stop")

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, int64(25), entry.PromptTokens)
	assert.Equal(t, int64(12), entry.CompletionTokens)
	assert.Equal(t, string(tokens.SourceUpstream), entry.UsageSource)
	assert.Equal(t, int64(37), f.stored(t).TokensUsed)
}

func TestServe_ClientCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := newFixture(t, upstream, fixtureOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	req := authedRequest(`{}`).WithContext(ctx)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- f.do(t, req) }()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancel")
	}

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, usage.OutcomeFailure, entry.Outcome)
	assert.Equal(t, usage.StatusClientClosed, entry.StatusCode)
	assert.Equal(t, usage.ErrorCodeClientClosed, entry.ErrorCode)
	assert.Equal(t, quota.Snapshot{}, f.counter.Snapshot(f.cred.ID))
}

// signalWriter closes wrote after the first body write reaches the client.
type signalWriter struct {
	*httptest.ResponseRecorder
	once  sync.Once
	wrote chan struct{}
}

func (w *signalWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(p)
	w.once.Do(func() { close(w.wrote) })
	return n, err
}

func TestServe_ClientGoneMidStream(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\n"+`data: {"type":"message_start","message":{"model":"claude-3-haiku","usage":{"input_tokens":25,"output_tokens":1}}}`+"\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\n"+`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := newFixture(t, upstream, fixtureOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &signalWriter{ResponseRecorder: httptest.NewRecorder(), wrote: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		f.e.ServeHTTP(w, authedRequest(`{"stream":true,"messages":[]}`).WithContext(ctx))
		close(done)
	}()

	select {
	case <-w.wrote:
	case <-time.After(5 * time.Second):
		t.Fatal("no response bytes reached the client")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancel")
	}

	entry := onlyEntry(t, f.usage)
	assert.Equal(t, usage.OutcomeFailure, entry.Outcome)
	assert.Equal(t, usage.StatusClientClosed, entry.StatusCode)
	assert.Equal(t, usage.ErrorCodeClientClosed, entry.ErrorCode)
	assert.Equal(t, int64(0), f.stored(t).TokensUsed)
	assert.Equal(t, quota.Snapshot{}, f.counter.Snapshot(f.cred.ID))
}

func TestServe_BodyReadFailure(t *testing.T) {
	tests := []struct {
		name    string
		readErr error
		status  int
		outcome usage.Outcome
		code    string
	}{
		{"too large", echo.ErrStatusRequestEntityTooLarge, http.StatusRequestEntityTooLarge, usage.OutcomeRejected, "request_too_large"},
		{"read error", errors.New("connection reset"), http.StatusInternalServerError, usage.OutcomeFailure, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
			}))
			defer upstream.Close()

			f := newFixture(t, upstream, fixtureOpts{})
			req := authedRequest("")
			req.Body = io.NopCloser(iotest.ErrReader(tt.readErr))
			rec := f.do(t, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, rec.Header().Get(core.ErrorCodeHeader))
			assert.Equal(t, int32(0), calls.Load())

			entry := onlyEntry(t, f.usage)
			assert.Equal(t, tt.outcome, entry.Outcome)
			assert.Equal(t, tt.status, entry.StatusCode)
			assert.Equal(t, tt.code, entry.ErrorCode)
			assert.Equal(t, f.cred.ID, entry.CredentialID)
		})
	}
}

func TestCapture(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		c := newCapture(16)
		_, _ = c.Write([]byte("hello"))
		assert.Equal(t, "hello", string(c.Bytes()))
		assert.False(t, c.truncated())
	})

	t.Run("keeps head and tail", func(t *testing.T) {
		c := newCapture(8)
		for _, chunk := range []string{"abcd", "efgh", "ijkl", "mnop"} {
			_, _ = c.Write([]byte(chunk))
		}
		assert.True(t, c.truncated())
		assert.Equal(t, "abcd\nmnop", string(c.Bytes()))
	})

	t.Run("disabled", func(t *testing.T) {
		c := newCapture(-1)
		n, err := c.Write([]byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Nil(t, c.Bytes())
	})
}

func TestWriteError_HTTPError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/admin", nil), rec)

	require.NoError(t, WriteError(c, echo.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", rec.Header().Get(core.ErrorCodeHeader))
}
