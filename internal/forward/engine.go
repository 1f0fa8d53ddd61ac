// Package forward relays admitted requests to the upstream provider with
// bounded retries, then streams the accepted response back.
//
// Forwarding has two phases. Establish runs the retry state machine until
// an upstream response is accepted or the attempt budget is spent; nothing
// has reached the caller yet, so retrying is safe. Exchange.Stream then
// copies the body to the caller and is never retried.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"tokenrelay/internal/core"
)

// maxRejectedBody caps how much of a rejected upstream body is buffered.
const maxRejectedBody = 1 << 20

// Config holds the upstream endpoint and retry policy.
type Config struct {
	// BaseURL is prefixed to the inbound path, e.g. https://api.anthropic.com/v1.
	BaseURL string
	APIKey  string
	// AuthHeader is "authorization" (sent as a Bearer token) or a header name such as "x-api-key".
	AuthHeader string
	// Headers are added to every upstream request unless the caller set them.
	Headers map[string]string

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// AttemptTimeout bounds one attempt up to the response headers. 0 disables it.
	AttemptTimeout time.Duration
	// RequestDeadline bounds the whole exchange including backoff and streaming. 0 disables it.
	RequestDeadline time.Duration

	// CircuitBreaker is optional.
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// HalfOpenRequests is how many probes are let through while half-open
	HalfOpenRequests int
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
}

// DefaultConfig returns the default retry policy for baseURL.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		AuthHeader:      "authorization",
		MaxRetries:      3,
		InitialBackoff:  1 * time.Second,
		MaxBackoff:      30 * time.Second,
		BackoffFactor:   2.0,
		RequestDeadline: 60 * time.Second,
	}
}

// OutboundRequest is the caller's request as the engine needs it.
type OutboundRequest struct {
	Method string
	// Path is appended to BaseURL.
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	ClientIP  string
	Scheme    string
	RequestID string
}

// Attempt describes one upstream call.
type Attempt struct {
	Number     int
	StatusCode int
	Err        error
	Duration   time.Duration
	// Delay is the wait before the next attempt; 0 when none followed.
	Delay time.Duration
}

// Observer is told about every finished attempt.
type Observer func(ctx context.Context, a Attempt)

// Engine is the ForwardingEngine. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	observe Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracer sets the tracer used for the establish and attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithObserver registers a callback for finished attempts.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observe = o }
}

// NewEngine validates cfg and creates an Engine.
func NewEngine(cfg Config, client *http.Client, opts ...Option) (*Engine, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}

	e := &Engine{
		cfg:    cfg,
		client: client,
		tracer: noop.NewTracerProvider().Tracer("forward"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	if cb := cfg.CircuitBreaker; cb != nil {
		e.breaker = newBreaker(*cb)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Failure is returned by Establish when no upstream response was accepted.
// It wraps a *core.RelayError.
type Failure struct {
	Attempts []Attempt
	Err      error
}

func (f *Failure) Error() string { return f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

// AttemptsOf returns the attempts carried by a Failure, if err is one.
func AttemptsOf(err error) []Attempt {
	var f *Failure
	if errors.As(err, &f) {
		return f.Attempts
	}
	return nil
}

type state int

const (
	stateAttempting state = iota
	stateBackoff
	stateSucceeded
	stateFailedPermanently
)

// Establish sends req upstream, retrying network errors, 5xx and 429 with
// Retry-After, with backoff. A 2xx/3xx response is returned as an Exchange for streaming.
// Any other 4xx fails immediately as upstream_rejected. On failure the
// error is a *Failure. A canceled caller context yields context.Canceled.
func (e *Engine) Establish(ctx context.Context, req OutboundRequest) (*Exchange, error) {
	ctx, span := e.tracer.Start(ctx, "forward.establish", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("relay.path", req.Path),
		attribute.String("relay.request_id", req.RequestID),
	))
	defer span.End()

	var (
		dctx   context.Context
		cancel context.CancelFunc
	)
	if e.cfg.RequestDeadline > 0 {
		dctx, cancel = context.WithTimeout(ctx, e.cfg.RequestDeadline)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}

	target := e.cfg.BaseURL + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	header := e.outboundHeaders(req)

	st := stateAttempting
	var (
		n        int
		attempts []Attempt
		resp     *http.Response
		lastErr  error
		delay    time.Duration
		finalErr error
	)

	for {
		switch st {
		case stateAttempting:
			n++
			var a Attempt
			resp, a = e.attempt(dctx, n, req.Method, target, header, req.Body)
			lastErr = a.Err

			switch {
			case a.Err == nil && resp.StatusCode < 400:
				st = stateSucceeded
			case a.Err == nil && !retriable(resp):
				finalErr = rejected(resp)
				st = stateFailedPermanently
			case errors.Is(a.Err, gobreaker.ErrOpenState) || errors.Is(a.Err, gobreaker.ErrTooManyRequests):
				finalErr = core.NewUpstreamUnavailableError("upstream circuit open", a.Err)
				st = stateFailedPermanently
			case dctx.Err() != nil:
				finalErr = e.contextError(ctx, dctx)
				st = stateFailedPermanently
			case n > e.cfg.MaxRetries:
				finalErr = exhausted(n, resp, a.Err)
				st = stateFailedPermanently
			default:
				delay = e.delayFor(n, resp)
				a.Delay = delay
				st = stateBackoff
			}

			if st != stateSucceeded && resp != nil {
				drain(resp)
			}
			attempts = append(attempts, a)
			e.report(ctx, a)

		case stateBackoff:
			if err := e.sleep(dctx, delay); err != nil {
				finalErr = e.contextError(ctx, dctx)
				st = stateFailedPermanently
				continue
			}
			st = stateAttempting

		case stateSucceeded:
			span.SetAttributes(attribute.Int("relay.attempts", n), attribute.Int("http.status_code", resp.StatusCode))
			return &Exchange{
				StatusCode: resp.StatusCode,
				Header:     ResponseHeaders(resp.Header),
				Attempts:   attempts,
				body:       resp.Body,
				cancel:     cancel,
			}, nil

		case stateFailedPermanently:
			cancel()
			span.SetAttributes(attribute.Int("relay.attempts", n))
			span.SetStatus(codes.Error, finalErr.Error())
			if lastErr != nil {
				span.RecordError(lastErr)
			}
			return nil, &Failure{Attempts: attempts, Err: finalErr}
		}
	}
}

// attempt performs one upstream call. On success the response body is open.
func (e *Engine) attempt(ctx context.Context, n int, method, target string, header http.Header, body []byte) (*http.Response, Attempt) {
	ctx, span := e.tracer.Start(ctx, "forward.attempt", trace.WithAttributes(attribute.Int("relay.attempt", n)))
	defer span.End()

	a := Attempt{Number: n}
	start := e.now()

	// The attempt timeout stops at the response headers so it never cuts a
	// stream that has already been accepted.
	actx, cancelAttempt := context.WithCancel(ctx)
	var timer *time.Timer
	if e.cfg.AttemptTimeout > 0 {
		timer = time.AfterFunc(e.cfg.AttemptTimeout, cancelAttempt)
	}

	call := func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(actx, method, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header = header.Clone()
		httpReq.ContentLength = int64(len(body))
		if len(body) == 0 {
			httpReq.Body = http.NoBody
		}
		return e.client.Do(httpReq)
	}

	resp, err := e.execute(call)
	timedOut := timer != nil && !timer.Stop()
	a.Duration = e.now().Sub(start)

	if err == nil && timedOut && ctx.Err() == nil {
		// the timer fired after the headers arrived and already cut the body
		_ = resp.Body.Close()
		resp, err = nil, context.DeadlineExceeded
	}

	switch {
	case err != nil && timedOut && ctx.Err() == nil:
		a.Err = fmt.Errorf("attempt timed out after %s: %w", e.cfg.AttemptTimeout, err)
	case err != nil:
		a.Err = err
	}
	if resp != nil {
		a.StatusCode = resp.StatusCode
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	if a.Err != nil {
		span.RecordError(a.Err)
		span.SetStatus(codes.Error, "attempt failed")
	}

	if resp == nil {
		cancelAttempt()
		return nil, a
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancelAttempt}
	return resp, a
}

func (e *Engine) report(ctx context.Context, a Attempt) {
	attrs := []any{
		"request_id", core.GetRequestID(ctx),
		"attempt", a.Number,
		"status", a.StatusCode,
		"duration_ms", a.Duration.Milliseconds(),
	}
	if a.Err != nil {
		attrs = append(attrs, "error", a.Err)
	}
	if a.Delay > 0 {
		attrs = append(attrs, "retry_in", a.Delay)
		slog.Warn("upstream attempt failed, retrying", attrs...)
	} else {
		slog.Debug("upstream attempt finished", attrs...)
	}
	if e.observe != nil {
		e.observe(ctx, a)
	}
}

// contextError maps a finished context to the caller-visible error.
func (e *Engine) contextError(parent, dctx context.Context) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return context.Canceled
	}
	return core.NewDeadlineExceededError("upstream request deadline exceeded", dctx.Err())
}

// retriable reports whether resp may be retried: any 5xx, or a 429 that
// advertises Retry-After.
func retriable(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.Header.Get("Retry-After") != ""
	}
	return resp.StatusCode >= 500
}

// rejected buffers a non-retriable 4xx so its body can be passed through.
func rejected(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRejectedBody))
	_ = resp.Body.Close()
	return core.NewUpstreamRejectedError(resp.StatusCode, ResponseHeaders(resp.Header), body)
}

func exhausted(n int, resp *http.Response, err error) error {
	if resp != nil {
		return core.NewUpstreamUnavailableError(
			fmt.Sprintf("upstream returned %d after %d attempts", resp.StatusCode, n), err)
	}
	return core.NewUpstreamUnavailableError(fmt.Sprintf("upstream unreachable after %d attempts", n), err)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
