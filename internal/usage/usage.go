// Package usage records one immutable entry per relayed request and drives
// the settlement of its quota reservation.
package usage

import (
	"context"
	"time"
)

// UsageStore defines the interface for usage storage backends.
// Implementations must be safe for concurrent use and must ignore an entry
// whose request id has already been written.
type UsageStore interface {
	// WriteBatch writes multiple usage entries to storage.
	// This is called by the Logger when flushing buffered entries.
	WriteBatch(ctx context.Context, entries []*UsageEntry) error

	// Flush forces any pending writes to complete.
	// Called during graceful shutdown.
	Flush(ctx context.Context) error

	// Close releases resources and flushes pending writes.
	Close() error
}

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeFailure        Outcome = "failure"
	OutcomeRejected       Outcome = "rejected"
)

// ErrorCodeClientClosed marks requests abandoned by the caller.
const ErrorCodeClientClosed = "client_closed"

// StatusClientClosed is recorded as the client-observed status when the
// caller went away before a response was written.
const StatusClientClosed = 499

// UsageEntry is a single usage record. Entries are never updated.
type UsageEntry struct {
	ID           string `json:"id" bson:"_id"`
	CredentialID string `json:"credential_id" bson:"credential_id"`
	// RequestID is unique across entries.
	RequestID string    `json:"request_id" bson:"request_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	Method        string `json:"method" bson:"method"`
	Path          string `json:"path" bson:"path"`
	RequestBytes  int64  `json:"request_bytes" bson:"request_bytes"`
	ResponseBytes int64  `json:"response_bytes" bson:"response_bytes"`

	UpstreamStatus int   `json:"upstream_status" bson:"upstream_status"`
	StatusCode     int   `json:"status_code" bson:"status_code"`
	LatencyMs      int64 `json:"latency_ms" bson:"latency_ms"`
	Attempts       int   `json:"attempts" bson:"attempts"`

	Model            string `json:"model" bson:"model"`
	PromptTokens     int64  `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens" bson:"total_tokens"`
	UsageSource      string `json:"usage_source" bson:"usage_source"`

	Outcome      Outcome `json:"outcome" bson:"outcome"`
	IsError      bool    `json:"is_error" bson:"is_error"`
	ErrorCode    string  `json:"error_code,omitempty" bson:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty" bson:"error_message,omitempty"`

	InputCost  float64 `json:"input_cost" bson:"input_cost"`
	OutputCost float64 `json:"output_cost" bson:"output_cost"`
	TotalCost  float64 `json:"total_cost" bson:"total_cost"`

	ClientIP  string `json:"client_ip" bson:"client_ip"`
	UserAgent string `json:"user_agent" bson:"user_agent"`
}

// Config holds usage tracking configuration
type Config struct {
	// Enabled controls whether entries are persisted. Reservations are
	// settled either way.
	Enabled bool

	// BufferSize is the number of usage entries to buffer before flushing
	BufferSize int

	// FlushInterval is how often to flush buffered entries
	FlushInterval time.Duration

	// RetentionDays is how long to keep usage data (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}

// BatchFlushThreshold is the number of entries that triggers an immediate flush.
const BatchFlushThreshold = 100
