package forward

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// backoff returns InitialBackoff * Factor^(attempt-1), capped at MaxBackoff.
func (e *Engine) backoff(attempt int) time.Duration {
	d := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.BackoffFactor, float64(attempt-1))
	if d > float64(e.cfg.MaxBackoff) {
		d = float64(e.cfg.MaxBackoff)
	}
	return time.Duration(d)
}

// retryAfter parses a Retry-After value given as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// delayFor picks the wait before the next attempt: the upstream's
// Retry-After when given (capped at MaxBackoff), else the computed backoff.
func (e *Engine) delayFor(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if d, ok := retryAfter(resp.Header, e.now()); ok {
			if d > e.cfg.MaxBackoff {
				d = e.cfg.MaxBackoff
			}
			return d
		}
	}
	return e.backoff(attempt)
}
