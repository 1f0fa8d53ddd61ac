// Package relay wires authentication, rate limiting, quota, forwarding and
// accounting into the single HTTP handler that serves every proxied path.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"tokenrelay/internal/auth"
	"tokenrelay/internal/core"
	"tokenrelay/internal/forward"
	"tokenrelay/internal/observability"
	"tokenrelay/internal/quota"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/tokens"
	"tokenrelay/internal/usage"
)

// DefaultCaptureLimit bounds the response bytes kept for token accounting.
const DefaultCaptureLimit = 1 << 20

// Authenticator resolves a request to a credential. On a forbidden credential
// it returns both the credential and the error.
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) (*core.Credential, error)
}

// Reserver holds estimated tokens before forwarding.
type Reserver interface {
	Reserve(ctx context.Context, cred *core.Credential, estimated int64) (*quota.Reservation, error)
}

// Forwarder establishes the upstream exchange.
type Forwarder interface {
	Establish(ctx context.Context, req forward.OutboundRequest) (*forward.Exchange, error)
}

// Config tunes the handler.
type Config struct {
	// CaptureLimit caps the response bytes retained for token accounting.
	CaptureLimit int64
}

// Handler is the relay pipeline.
type Handler struct {
	gate       Authenticator
	limiter    ratelimit.Limiter
	ledger     Reserver
	forwarder  Forwarder
	accountant *tokens.Accountant
	recorder   *usage.Recorder
	sink       observability.Sink
	cfg        Config
}

// Deps groups the collaborators of a Handler.
type Deps struct {
	Gate       Authenticator
	Limiter    ratelimit.Limiter
	Ledger     Reserver
	Forwarder  Forwarder
	Accountant *tokens.Accountant
	Recorder   *usage.Recorder
	Sink       observability.Sink
}

// NewHandler builds the pipeline. Limiter and Sink may be nil.
func NewHandler(d Deps, cfg Config) *Handler {
	if cfg.CaptureLimit == 0 {
		cfg.CaptureLimit = DefaultCaptureLimit
	}
	sink := d.Sink
	if sink == nil {
		sink = observability.Discard
	}
	acct := d.Accountant
	if acct == nil {
		acct = tokens.NewAccountant(nil)
	}
	return &Handler{
		gate:       d.Gate,
		limiter:    d.Limiter,
		ledger:     d.Ledger,
		forwarder:  d.Forwarder,
		accountant: acct,
		recorder:   d.Recorder,
		sink:       sink,
		cfg:        cfg,
	}
}

// Serve handles one proxied request end to end.
func (h *Handler) Serve(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	requestID := core.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = core.WithRequestID(ctx, requestID)
	}

	info := usage.RequestInfo{
		RequestID:    requestID,
		Method:       req.Method,
		Path:         req.URL.Path,
		ClientIP:     c.RealIP(),
		UserAgent:    req.UserAgent(),
		RequestBytes: max(req.ContentLength, 0),
	}

	cred, err := h.gate.Authenticate(ctx, auth.Request{
		Token:    auth.ExtractToken(req),
		ClientIP: info.ClientIP,
		Origin:   req.Header.Get("Origin"),
	})
	if err != nil {
		ev := observability.Event{Stage: observability.StageFailed, RequestID: requestID, Err: err}
		if cred != nil {
			ev.CredentialID = cred.ID
			h.reject(ctx, cred, info, err)
		}
		ev.ErrorCode = core.AsRelayError(err).Code()
		h.sink.Emit(ctx, ev)
		return err
	}

	ctx = core.WithCredential(ctx, cred)
	c.SetRequest(req.WithContext(ctx))
	req = c.Request()
	h.emit(ctx, observability.Event{Stage: observability.StageAdmitted})

	if err := h.admit(c, cred); err != nil {
		h.emit(ctx, observability.Event{Stage: observability.StageRateLimited, ErrorCode: string(core.ErrorKindRateLimited)})
		h.reject(ctx, cred, info, err)
		return err
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.bodyFailed(ctx, cred, info, err)
	}
	info.RequestBytes = int64(len(body))

	reservation, err := h.ledger.Reserve(ctx, cred, h.accountant.Estimate(body))
	if err != nil {
		re := core.AsRelayError(err)
		if re.Kind == core.ErrorKindQuotaExceeded {
			h.emit(ctx, observability.Event{Stage: observability.StageQuotaExceeded, ErrorCode: re.Code()})
			h.reject(ctx, cred, info, err)
			return err
		}
		h.recorder.Begin(cred, info).Finish(ctx, usage.Result{
			Outcome:    usage.OutcomeFailure,
			StatusCode: re.HTTPStatusCode(),
			Err:        err,
		})
		h.emit(ctx, observability.Event{Stage: observability.StageFailed, ErrorCode: re.Code(), Err: err})
		return err
	}

	sess := h.recorder.Begin(cred, info)
	sess.Hold(reservation)

	x, err := h.forwarder.Establish(ctx, forward.OutboundRequest{
		Method:    req.Method,
		Path:      req.URL.EscapedPath(),
		RawQuery:  req.URL.RawQuery,
		Header:    req.Header,
		Body:      body,
		ClientIP:  info.ClientIP,
		Scheme:    c.Scheme(),
		RequestID: requestID,
	})
	if err != nil {
		return h.establishFailed(c, sess, err)
	}
	return h.relay(c, sess, body, x)
}

// bodyFailed records and returns a request body read failure.
func (h *Handler) bodyFailed(ctx context.Context, cred *core.Credential, info usage.RequestInfo, err error) error {
	res := usage.Result{Outcome: usage.OutcomeFailure}
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		err = he
		res.Outcome = usage.OutcomeRejected
		res.StatusCode = he.Code
		res.ErrorCode = httpErrorCode(he.Code)
	case ctx.Err() != nil:
		err = context.Canceled
		res.StatusCode = usage.StatusClientClosed
	default:
		err = core.NewInternalError("failed to read request body", err)
		res.StatusCode = http.StatusInternalServerError
	}
	res.Err = err

	entry := h.recorder.Begin(cred, info).Finish(ctx, res)
	h.emit(ctx, observability.Event{
		Stage:      observability.StageFailed,
		StatusCode: res.StatusCode,
		ErrorCode:  entry.ErrorCode,
		Err:        err,
	})
	return err
}

// admit applies the rate limiter. Limiter errors fail open.
func (h *Handler) admit(c echo.Context, cred *core.Credential) error {
	if h.limiter == nil {
		return nil
	}
	ctx := c.Request().Context()
	d, err := h.limiter.Allow(ctx, cred.ID, cred.Tier)
	if err != nil {
		slog.Warn("rate limiter unavailable, admitting request",
			"error", err,
			"credential_id", cred.ID,
			"request_id", core.GetRequestID(ctx),
		)
		return nil
	}
	if !d.Unlimited() {
		hdr := c.Response().Header()
		hdr.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		hdr.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.ResetAt.IsZero() {
			hdr.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}
	}
	if d.Allowed {
		return nil
	}
	return core.NewRateLimitedError("rate limit exceeded", d.RetryAfter)
}

func (h *Handler) establishFailed(c echo.Context, sess *usage.Session, err error) error {
	ctx := c.Request().Context()
	attempts := forward.AttemptsOf(err)
	res := usage.Result{
		Outcome:  usage.OutcomeFailure,
		Attempts: len(attempts),
		Err:      err,
	}
	if n := len(attempts); n > 0 {
		res.UpstreamStatus = attempts[n-1].StatusCode
	}

	if errors.Is(err, context.Canceled) {
		res.StatusCode = usage.StatusClientClosed
		res.Err = context.Canceled
		h.finish(ctx, sess, res)
		return nil
	}

	re := core.AsRelayError(err)
	res.StatusCode = re.HTTPStatusCode()
	if re.Kind == core.ErrorKindUpstreamRejected {
		werr := writePassthrough(c, re)
		res.ResponseBytes = int64(len(re.UpstreamBody))
		h.finish(ctx, sess, res)
		return werr
	}

	h.finish(ctx, sess, res)
	return err
}

func (h *Handler) relay(c echo.Context, sess *usage.Session, body []byte, x *forward.Exchange) error {
	ctx := c.Request().Context()
	h.emit(ctx, observability.Event{
		Stage:      observability.StageForwarded,
		Attempt:    len(x.Attempts),
		StatusCode: x.StatusCode,
	})

	resp := c.Response()
	for k, vs := range x.Header {
		resp.Header()[k] = vs
	}
	resp.WriteHeader(x.StatusCode)

	buf := newCapture(h.cfg.CaptureLimit)
	written, serr := x.Stream(io.MultiWriter(resp, buf), resp.Flush)

	res := usage.Result{
		Outcome:        usage.OutcomeSuccess,
		StatusCode:     x.StatusCode,
		UpstreamStatus: x.StatusCode,
		Attempts:       len(x.Attempts),
		ResponseBytes:  written,
	}
	if serr != nil && clientGone(ctx, serr) {
		// the caller is not charged for a response it abandoned
		res.Outcome = usage.OutcomeFailure
		res.StatusCode = usage.StatusClientClosed
		res.Err = context.Canceled
		res.ErrorCode = usage.ErrorCodeClientClosed
		h.finish(ctx, sess, res)
		slog.Info("client closed during response stream",
			"request_id", core.GetRequestID(ctx),
			"bytes", written,
		)
		return nil
	}
	if serr != nil {
		res.Outcome = usage.OutcomePartialFailure
		res.Err = serr
		res.ErrorCode = "stream_interrupted"
	}

	contentType := x.Header.Get("Content-Type")
	res.Usage = h.accountant.Account(context.WithoutCancel(ctx), tokens.Input{
		RequestBody:     body,
		ResponseBody:    buf.Bytes(),
		ContentType:     contentType,
		ContentEncoding: x.Header.Get("Content-Encoding"),
		Streamed:        strings.HasPrefix(strings.ToLower(contentType), "text/event-stream"),
	})
	if buf.truncated() {
		slog.Debug("response exceeded capture limit, accounted from head and tail",
			"request_id", core.GetRequestID(ctx),
			"bytes", written,
			"usage_source", res.Usage.Source,
		)
	}

	h.finish(ctx, sess, res)
	if serr != nil {
		slog.Warn("response stream ended early",
			"error", serr,
			"request_id", core.GetRequestID(ctx),
			"bytes", written,
		)
	}
	return nil
}

// clientGone reports whether a stream error came from the caller going away:
// its context ended, or writing to it failed.
func clientGone(ctx context.Context, serr error) bool {
	if ctx.Err() != nil || errors.Is(serr, context.Canceled) {
		return true
	}
	return !errors.Is(serr, forward.ErrStreamInterrupted)
}

// reject records a request refused after the credential was known.
func (h *Handler) reject(ctx context.Context, cred *core.Credential, info usage.RequestInfo, err error) {
	h.recorder.Begin(cred, info).Finish(ctx, usage.Result{
		Outcome:    usage.OutcomeRejected,
		StatusCode: core.AsRelayError(err).HTTPStatusCode(),
		Err:        err,
	})
}

func (h *Handler) finish(ctx context.Context, sess *usage.Session, res usage.Result) {
	entry := sess.Finish(ctx, res)
	ev := observability.Event{
		Stage:            observability.StageCompleted,
		Attempt:          res.Attempts,
		StatusCode:       res.StatusCode,
		Outcome:          string(res.Outcome),
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		UsageSource:      string(res.Usage.Source),
		Duration:         time.Duration(entry.LatencyMs) * time.Millisecond,
		ErrorCode:        entry.ErrorCode,
		Err:              res.Err,
	}
	if res.Outcome == usage.OutcomeFailure {
		ev.Stage = observability.StageFailed
	}
	h.emit(ctx, ev)
}

// emit fills request and credential ids from ctx.
func (h *Handler) emit(ctx context.Context, ev observability.Event) {
	if ev.RequestID == "" {
		ev.RequestID = core.GetRequestID(ctx)
	}
	if cred := core.GetCredential(ctx); cred != nil && ev.CredentialID == "" {
		ev.CredentialID = cred.ID
	}
	h.sink.Emit(ctx, ev)
}
