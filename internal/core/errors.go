// Package core provides the shared types and error taxonomy for the relay.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies every failure the relay can surface to a caller.
type ErrorKind string

const (
	// ErrorKindUnauthenticated indicates a missing, malformed or unknown credential (401)
	ErrorKindUnauthenticated ErrorKind = "unauthenticated"
	// ErrorKindForbidden indicates a disabled, expired or IP/origin-restricted credential (403)
	ErrorKindForbidden ErrorKind = "forbidden"
	// ErrorKindRateLimited indicates the credential's tier threshold was exceeded (429)
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindQuotaExceeded indicates the credential's token limit was reached (402)
	ErrorKindQuotaExceeded ErrorKind = "quota_exceeded"
	// ErrorKindUpstreamUnavailable indicates all forwarding attempts failed (502)
	ErrorKindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	// ErrorKindUpstreamRejected indicates a non-retriable upstream 4xx, passed through as-is
	ErrorKindUpstreamRejected ErrorKind = "upstream_rejected"
	// ErrorKindDeadlineExceeded indicates the overall request deadline elapsed (504)
	ErrorKindDeadlineExceeded ErrorKind = "deadline_exceeded"
	// ErrorKindInternal indicates an unexpected failure inside the relay (500)
	ErrorKindInternal ErrorKind = "internal"
)

const (
	// ErrorCodeHeader carries the machine-readable error code on every error response.
	ErrorCodeHeader = "X-Relay-Error-Code"

	// StatusClientClosedRequest is recorded when the caller disconnects mid-request.
	StatusClientClosedRequest = 499
	// CodeClientClosed is the usage record error code for caller disconnects.
	CodeClientClosed = "client_closed"
)

// RelayError is the base error type for all errors returned to callers.
type RelayError struct {
	Kind       ErrorKind `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`

	// RetryAfter is advertised to the caller when non-zero.
	RetryAfter time.Duration `json:"-"`

	// Upstream response captured for upstream_rejected passthrough.
	UpstreamHeader http.Header `json:"-"`
	UpstreamBody   []byte      `json:"-"`

	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *RelayError) Unwrap() error {
	return e.Err
}

// Code returns the stable machine-readable code for this error.
func (e *RelayError) Code() string {
	return string(e.Kind)
}

// HTTPStatusCode returns the status code sent to the caller.
func (e *RelayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return StatusForKind(e.Kind)
}

// StatusForKind returns the default HTTP status for an error kind.
func StatusForKind(kind ErrorKind) int {
	switch kind {
	case ErrorKindUnauthenticated:
		return http.StatusUnauthorized
	case ErrorKindForbidden:
		return http.StatusForbidden
	case ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case ErrorKindQuotaExceeded:
		return http.StatusPaymentRequired
	case ErrorKindUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrorKindUpstreamRejected:
		return http.StatusBadRequest
	case ErrorKindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterHeader formats RetryAfter as whole seconds, rounding up.
// Returns "" when no retry hint is set.
func (e *RelayError) RetryAfterHeader() string {
	if e.RetryAfter <= 0 {
		return ""
	}
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	return strconv.FormatInt(secs, 10)
}

// ToJSON converts the error to a JSON-compatible map
func (e *RelayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Kind,
			"code":    e.Code(),
			"message": e.Message,
		},
	}
}

// NewUnauthenticatedError creates a new unauthenticated error (401)
func NewUnauthenticatedError(message string) *RelayError {
	return &RelayError{
		Kind:       ErrorKindUnauthenticated,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewForbiddenError creates a new forbidden error (403)
func NewForbiddenError(message string) *RelayError {
	return &RelayError{
		Kind:       ErrorKindForbidden,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewRateLimitedError creates a new rate limit error (429)
func NewRateLimitedError(message string, retryAfter time.Duration) *RelayError {
	return &RelayError{
		Kind:       ErrorKindRateLimited,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewQuotaExceededError creates a new quota exceeded error (402)
func NewQuotaExceededError(message string) *RelayError {
	return &RelayError{
		Kind:       ErrorKindQuotaExceeded,
		Message:    message,
		StatusCode: http.StatusPaymentRequired,
	}
}

// NewUpstreamUnavailableError creates a new upstream unavailable error (502)
func NewUpstreamUnavailableError(message string, err error) *RelayError {
	return &RelayError{
		Kind:       ErrorKindUpstreamUnavailable,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// NewUpstreamRejectedError wraps a non-retriable upstream 4xx so it can be
// passed through with its original status and body.
func NewUpstreamRejectedError(statusCode int, header http.Header, body []byte) *RelayError {
	return &RelayError{
		Kind:           ErrorKindUpstreamRejected,
		Message:        fmt.Sprintf("upstream rejected request with status %d", statusCode),
		StatusCode:     statusCode,
		UpstreamHeader: header,
		UpstreamBody:   body,
	}
}

// NewDeadlineExceededError creates a new deadline exceeded error (504)
func NewDeadlineExceededError(message string, err error) *RelayError {
	return &RelayError{
		Kind:       ErrorKindDeadlineExceeded,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// NewInternalError creates a new internal error (500)
func NewInternalError(message string, err error) *RelayError {
	return &RelayError{
		Kind:       ErrorKindInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsRelayError converts any error into a RelayError.
// Context deadline errors map to deadline_exceeded; everything else that is
// not already a RelayError becomes internal with a generic message.
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewDeadlineExceededError("request deadline exceeded", err)
	}
	return NewInternalError("internal error", err)
}
