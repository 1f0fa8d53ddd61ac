package relay

import (
	"context"

	"tokenrelay/internal/core"
	"tokenrelay/internal/forward"
	"tokenrelay/internal/observability"
)

// AttemptObserver turns forwarding attempts that were followed by a retry
// into retried events.
func AttemptObserver(sink observability.Sink) forward.Observer {
	return func(ctx context.Context, a forward.Attempt) {
		if sink == nil || a.Delay <= 0 {
			return
		}
		ev := observability.Event{
			Stage:      observability.StageRetried,
			RequestID:  core.GetRequestID(ctx),
			Attempt:    a.Number,
			StatusCode: a.StatusCode,
			Duration:   a.Duration,
			Delay:      a.Delay,
			Err:        a.Err,
		}
		if cred := core.GetCredential(ctx); cred != nil {
			ev.CredentialID = cred.ID
		}
		sink.Emit(ctx, ev)
	}
}
