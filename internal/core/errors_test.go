package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RelayError
		expected string
	}{
		{
			name:     "without cause",
			err:      &RelayError{Kind: ErrorKindForbidden, Message: "credential disabled"},
			expected: "forbidden: credential disabled",
		},
		{
			name:     "with cause",
			err:      &RelayError{Kind: ErrorKindInternal, Message: "store failed", Err: errors.New("boom")},
			expected: "internal: store failed: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRelayError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	relayErr := NewUpstreamUnavailableError("all attempts failed", originalErr)

	if unwrapped := relayErr.Unwrap(); unwrapped != originalErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, originalErr)
	}
	assert.True(t, errors.Is(relayErr, originalErr))
}

func TestRelayError_StatusAndCodeAreDistinct(t *testing.T) {
	errs := []*RelayError{
		NewUnauthenticatedError("x"),
		NewForbiddenError("x"),
		NewRateLimitedError("x", time.Second),
		NewQuotaExceededError("x"),
		NewUpstreamUnavailableError("x", nil),
		NewDeadlineExceededError("x", nil),
		NewInternalError("x", nil),
	}
	wantStatus := []int{
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusTooManyRequests,
		http.StatusPaymentRequired,
		http.StatusBadGateway,
		http.StatusGatewayTimeout,
		http.StatusInternalServerError,
	}

	seenStatus := map[int]bool{}
	seenCode := map[string]bool{}
	for i, e := range errs {
		assert.Equal(t, wantStatus[i], e.HTTPStatusCode(), "kind %s", e.Kind)
		assert.False(t, seenStatus[e.HTTPStatusCode()], "duplicate status %d", e.HTTPStatusCode())
		assert.False(t, seenCode[e.Code()], "duplicate code %s", e.Code())
		seenStatus[e.HTTPStatusCode()] = true
		seenCode[e.Code()] = true
	}
}

func TestNewUpstreamRejectedError_PreservesStatus(t *testing.T) {
	header := http.Header{"Content-Type": []string{"application/json"}}
	err := NewUpstreamRejectedError(http.StatusUnprocessableEntity, header, []byte(`{"error":"bad"}`))

	assert.Equal(t, http.StatusUnprocessableEntity, err.HTTPStatusCode())
	assert.Equal(t, "upstream_rejected", err.Code())
	assert.Equal(t, `{"error":"bad"}`, string(err.UpstreamBody))
}

func TestRelayError_RetryAfterHeader(t *testing.T) {
	assert.Equal(t, "", NewForbiddenError("x").RetryAfterHeader())
	assert.Equal(t, "1", NewRateLimitedError("x", 200*time.Millisecond).RetryAfterHeader())
	assert.Equal(t, "42", NewRateLimitedError("x", 42*time.Second).RetryAfterHeader())
}

func TestRelayError_ToJSON(t *testing.T) {
	body := NewQuotaExceededError("token limit reached").ToJSON()

	inner, ok := body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, ErrorKindQuotaExceeded, inner["type"])
	assert.Equal(t, "quota_exceeded", inner["code"])
	assert.Equal(t, "token limit reached", inner["message"])
}

func TestAsRelayError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, AsRelayError(nil))
	})

	t.Run("wrapped relay error", func(t *testing.T) {
		inner := NewForbiddenError("credential expired")
		got := AsRelayError(fmt.Errorf("auth: %w", inner))
		assert.Same(t, inner, got)
	})

	t.Run("deadline", func(t *testing.T) {
		got := AsRelayError(fmt.Errorf("forward: %w", context.DeadlineExceeded))
		assert.Equal(t, ErrorKindDeadlineExceeded, got.Kind)
	})

	t.Run("unknown hides details", func(t *testing.T) {
		got := AsRelayError(errors.New("pq: password authentication failed"))
		assert.Equal(t, ErrorKindInternal, got.Kind)
		assert.Equal(t, "internal error", got.Message)
	})
}
