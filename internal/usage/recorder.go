package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokenrelay/internal/core"
	"tokenrelay/internal/quota"
	"tokenrelay/internal/tokens"
)

// settleTimeout bounds settlement and counter updates after the request
// context may already be gone.
const settleTimeout = 10 * time.Second

// Settler settles quota reservations. *quota.Ledger implements it.
type Settler interface {
	Commit(ctx context.Context, r *quota.Reservation, actual int64) error
	Release(ctx context.Context, r *quota.Reservation) error
}

// CountIncrementer bumps per-credential request and error counters.
// credential.Store implements it.
type CountIncrementer interface {
	IncrementCounts(ctx context.Context, id string, requests, errs int64) error
}

// Recorder opens a Session per logical request.
type Recorder struct {
	logger  LoggerInterface
	ledger  Settler
	counts  CountIncrementer
	pricing *tokens.Pricing
	now     func() time.Time
}

// NewRecorder creates a recorder. counts and pricing may be nil.
func NewRecorder(logger LoggerInterface, ledger Settler, counts CountIncrementer, pricing *tokens.Pricing) *Recorder {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Recorder{
		logger:  logger,
		ledger:  ledger,
		counts:  counts,
		pricing: pricing,
		now:     time.Now,
	}
}

// RequestInfo describes the inbound request a Session records.
type RequestInfo struct {
	RequestID    string
	Method       string
	Path         string
	ClientIP     string
	UserAgent    string
	RequestBytes int64
}

// Result is how a request ended.
type Result struct {
	Outcome        Outcome
	StatusCode     int
	UpstreamStatus int
	Attempts       int
	ResponseBytes  int64
	Usage          tokens.Usage
	Err            error
	// ErrorCode overrides the code derived from Err.
	ErrorCode string
}

// Session ties a request to its reservation and its single usage entry.
type Session struct {
	rec         *Recorder
	cred        *core.Credential
	info        RequestInfo
	start       time.Time
	reservation *quota.Reservation

	once  sync.Once
	entry *UsageEntry
}

// Begin opens a session for an authenticated credential.
func (r *Recorder) Begin(cred *core.Credential, info RequestInfo) *Session {
	if info.RequestID == "" {
		info.RequestID = uuid.NewString()
	}
	return &Session{rec: r, cred: cred, info: info, start: r.now()}
}

// Hold attaches the reservation that Finish will settle.
func (s *Session) Hold(r *quota.Reservation) {
	s.reservation = r
}

// Finish settles the reservation and writes the usage entry. Only the first
// call has any effect; later calls return the same entry.
// success and partial_failure commit the accounted tokens; anything else
// releases the hold.
func (s *Session) Finish(ctx context.Context, res Result) *UsageEntry {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer cancel()

		s.settle(ctx, res)
		s.entry = s.build(res)
		s.rec.logger.Write(s.entry)

		if s.cred != nil && s.rec.counts != nil {
			var errs int64
			if s.entry.IsError {
				errs = 1
			}
			if err := s.rec.counts.IncrementCounts(ctx, s.cred.ID, 1, errs); err != nil {
				slog.Warn("failed to update credential counters",
					"error", err,
					"credential_id", s.cred.ID,
					"request_id", s.info.RequestID,
				)
			}
		}
	})
	return s.entry
}

func (s *Session) settle(ctx context.Context, res Result) {
	if s.reservation == nil || s.rec.ledger == nil {
		return
	}

	var err error
	switch res.Outcome {
	case OutcomeSuccess, OutcomePartialFailure:
		err = s.rec.ledger.Commit(ctx, s.reservation, res.Usage.TotalTokens)
	default:
		err = s.rec.ledger.Release(ctx, s.reservation)
	}

	switch {
	case err == nil:
	case errors.Is(err, quota.ErrAlreadySettled):
		slog.Debug("reservation already settled", "request_id", s.info.RequestID)
	default:
		slog.Error("failed to settle reservation",
			"error", err,
			"outcome", res.Outcome,
			"credential_id", s.reservation.CredentialID,
			"request_id", s.info.RequestID,
		)
	}
}

func (s *Session) build(res Result) *UsageEntry {
	now := s.rec.now()
	e := &UsageEntry{
		ID:               uuid.NewString(),
		RequestID:        s.info.RequestID,
		Timestamp:        now.UTC(),
		Method:           s.info.Method,
		Path:             s.info.Path,
		RequestBytes:     s.info.RequestBytes,
		ResponseBytes:    res.ResponseBytes,
		UpstreamStatus:   res.UpstreamStatus,
		StatusCode:       res.StatusCode,
		LatencyMs:        now.Sub(s.start).Milliseconds(),
		Attempts:         res.Attempts,
		Model:            res.Usage.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
		UsageSource:      string(res.Usage.Source),
		Outcome:          res.Outcome,
		IsError:          res.Outcome != OutcomeSuccess,
		ClientIP:         s.info.ClientIP,
		UserAgent:        s.info.UserAgent,
	}
	if s.cred != nil {
		e.CredentialID = s.cred.ID
	}
	if e.UsageSource == "" {
		e.UsageSource = string(tokens.SourceUnknown)
	}

	e.ErrorCode, e.ErrorMessage = describe(res.Err)
	if res.ErrorCode != "" {
		e.ErrorCode = res.ErrorCode
	}

	if s.rec.pricing != nil && e.TotalTokens > 0 {
		cost := s.rec.pricing.Cost(e.Model, e.PromptTokens, e.CompletionTokens)
		e.InputCost, e.OutputCost, e.TotalCost = cost.Input, cost.Output, cost.Total
	}
	return e
}

// describe derives the recorded error code and message.
func describe(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeClientClosed, "client closed request"
	}
	var re *core.RelayError
	if errors.As(err, &re) {
		return re.Code(), re.Message
	}
	return string(core.ErrorKindInternal), err.Error()
}
