// Package observability turns pipeline stage events into log lines and
// Prometheus metrics.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// Stage names a step of the admission-and-forwarding pipeline.
type Stage string

const (
	StageAdmitted      Stage = "admitted"
	StageRateLimited   Stage = "rate_limited"
	StageQuotaExceeded Stage = "quota_exceeded"
	StageForwarded     Stage = "forwarded"
	StageRetried       Stage = "retried"
	StageFailed        Stage = "failed"
	StageCompleted     Stage = "completed"
)

// Event is one stage transition of one request. Fields that do not apply
// to the stage are left zero.
type Event struct {
	Stage        Stage
	RequestID    string
	CredentialID string

	Attempt    int
	StatusCode int
	Duration   time.Duration
	Delay      time.Duration

	Outcome          string
	PromptTokens     int64
	CompletionTokens int64
	UsageSource      string

	ErrorCode string
	Err       error
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Discard drops every event.
var Discard Sink = multi(nil)

// LogSink writes events to a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink; nil uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) {
	attrs := []slog.Attr{
		slog.String("stage", string(ev.Stage)),
		slog.String("request_id", ev.RequestID),
	}
	if ev.CredentialID != "" {
		attrs = append(attrs, slog.String("credential_id", ev.CredentialID))
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", ev.Attempt))
	}
	if ev.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", ev.StatusCode))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	if ev.Delay > 0 {
		attrs = append(attrs, slog.Duration("delay", ev.Delay))
	}
	if ev.Stage == StageCompleted {
		attrs = append(attrs,
			slog.String("outcome", ev.Outcome),
			slog.Int64("prompt_tokens", ev.PromptTokens),
			slog.Int64("completion_tokens", ev.CompletionTokens),
			slog.String("usage_source", ev.UsageSource),
		)
	}
	if ev.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", ev.ErrorCode))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	s.logger.LogAttrs(ctx, levelFor(ev.Stage), "relay "+string(ev.Stage), attrs...)
}

func levelFor(stage Stage) slog.Level {
	switch stage {
	case StageFailed:
		return slog.LevelError
	case StageRetried, StageRateLimited, StageQuotaExceeded:
		return slog.LevelWarn
	case StageCompleted:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
