// Package quota admits requests against a credential's token budget with a
// reserve-then-settle protocol: Reserve before the upstream call, then exactly
// one of Commit or Release once the real cost is known.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"tokenrelay/internal/core"
	"tokenrelay/internal/credential"
)

// Backend names accepted by NewCounter.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrAlreadySettled is returned when a reservation is committed or released twice.
var ErrAlreadySettled = errors.New("reservation already settled")

// State is the lifecycle of a Reservation.
type State int32

const (
	StateHeld State = iota
	StateCommitted
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateHeld:
		return "held"
	case StateCommitted:
		return "committed"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reservation is a provisional charge against one credential.
type Reservation struct {
	CredentialID string
	Amount       int64

	unlimited bool
	state     atomic.Int32
}

// State returns the current state.
func (r *Reservation) State() State {
	return State(r.state.Load())
}

// Unlimited reports whether the reservation bypassed the budget check.
func (r *Reservation) Unlimited() bool {
	return r.unlimited
}

func (r *Reservation) settle(to State) error {
	if !r.state.CompareAndSwap(int32(StateHeld), int32(to)) {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, r.State())
	}
	return nil
}

// Snapshot is a counter's view of one credential.
type Snapshot struct {
	Used    int64
	Pending int64
}

// Counter is the credential-scoped atomic primitive behind the ledger.
// Implementations must be linearizable per id.
type Counter interface {
	// Reserve adds amount to pending if used+pending+amount <= limit.
	// seed initializes used the first time id is seen.
	Reserve(ctx context.Context, id string, seed, limit, amount int64) (Snapshot, bool, error)

	// Settle removes pending from the held amount and adds actual to used.
	Settle(ctx context.Context, id string, pending, actual int64) error

	Close() error
}

// NewCounter builds the Counter for backend. client is required for redis.
func NewCounter(backend string, client *redis.Client) (Counter, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryCounter(), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis quota backend requires a redis client")
		}
		return NewRedisCounter(client), nil
	default:
		return nil, fmt.Errorf("unknown quota backend: %s", backend)
	}
}

// Ledger is the QuotaLedger: admission against token budgets plus
// persistence of settled usage to the credential store.
type Ledger struct {
	counter Counter
	store   credential.Store
}

// NewLedger creates a ledger.
func NewLedger(counter Counter, store credential.Store) *Ledger {
	return &Ledger{counter: counter, store: store}
}

// Reserve holds estimated tokens against cred's budget. The unlimited tier
// skips the check and returns a zero-amount reservation. A denied
// reservation is a *core.RelayError of kind quota_exceeded.
func (l *Ledger) Reserve(ctx context.Context, cred *core.Credential, estimated int64) (*Reservation, error) {
	if cred.Unlimited() {
		return &Reservation{CredentialID: cred.ID, unlimited: true}, nil
	}
	if estimated < 1 {
		estimated = 1
	}

	snap, ok, err := l.counter.Reserve(ctx, cred.ID, cred.TokensUsed, cred.TokenLimit, estimated)
	if err != nil {
		return nil, core.NewInternalError("quota check failed", err)
	}
	if !ok {
		slog.Debug("quota exceeded",
			"credential_id", cred.ID,
			"used", snap.Used,
			"pending", snap.Pending,
			"estimated", estimated,
			"limit", cred.TokenLimit,
		)
		return nil, core.NewQuotaExceededError("token quota exceeded")
	}
	return &Reservation{CredentialID: cred.ID, Amount: estimated}, nil
}

// Commit replaces the held amount with actual and persists actual to the
// credential store. actual may exceed the reservation.
func (l *Ledger) Commit(ctx context.Context, r *Reservation, actual int64) error {
	if err := r.settle(StateCommitted); err != nil {
		return err
	}
	if actual < 0 {
		actual = 0
	}
	if !r.unlimited {
		if err := l.counter.Settle(ctx, r.CredentialID, r.Amount, actual); err != nil {
			return fmt.Errorf("failed to commit reservation: %w", err)
		}
	}
	if actual == 0 {
		return nil
	}
	if _, err := l.store.AddTokensUsed(ctx, r.CredentialID, actual); err != nil {
		return fmt.Errorf("failed to persist tokens used: %w", err)
	}
	return nil
}

// Release refunds the held amount.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if err := r.settle(StateReleased); err != nil {
		return err
	}
	if r.unlimited {
		return nil
	}
	if err := l.counter.Settle(ctx, r.CredentialID, r.Amount, 0); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Close closes the counter.
func (l *Ledger) Close() error {
	return l.counter.Close()
}
