package forward

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sony/gobreaker"
)

// errRetriableStatus marks a retriable response as a breaker failure while
// still handing the response to the retry loop.
var errRetriableStatus = errors.New("retriable upstream status")

func newBreaker(cfg CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(5)
	if cfg.FailureThreshold > 0 {
		threshold = uint32(cfg.FailureThreshold)
	}
	halfOpen := uint32(1)
	if cfg.HalfOpenRequests > 0 {
		halfOpen = uint32(cfg.HalfOpenRequests)
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: halfOpen,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// execute runs call through the breaker when one is configured.
func (e *Engine) execute(call func() (*http.Response, error)) (*http.Response, error) {
	if e.breaker == nil {
		return call()
	}
	result, err := e.breaker.Execute(func() (interface{}, error) {
		resp, err := call()
		if err != nil {
			return nil, err
		}
		if retriable(resp) {
			return resp, errRetriableStatus
		}
		return resp, nil
	})
	resp, _ := result.(*http.Response)
	if errors.Is(err, errRetriableStatus) {
		return resp, nil
	}
	return resp, err
}

// BreakerState reports the circuit state, or "disabled".
func (e *Engine) BreakerState() string {
	if e.breaker == nil {
		return "disabled"
	}
	return e.breaker.State().String()
}
