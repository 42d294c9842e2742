// Package balance keeps the client's cached view of an actor's balance. The
// reward service is always right; the cache is overwritten after every
// confirmed mutation and re-fetched after ambiguous failures.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/lootcore/internal/logging"
)

// ErrNegativeBalance is returned when the backend reports a negative balance.
var ErrNegativeBalance = errors.New("backend reported negative balance")

// Fetcher reads the authoritative balance.
type Fetcher interface {
	FetchBalance(ctx context.Context, actorID string) (int64, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, actorID string) (int64, error)

// FetchBalance implements Fetcher.
func (f FetcherFunc) FetchBalance(ctx context.Context, actorID string) (int64, error) {
	return f(ctx, actorID)
}

// Snapshot is the cached balance of one actor.
type Snapshot struct {
	Balance   int64     `json:"balance"`
	Known     bool      `json:"known"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Reconciler caches balances per actor.
type Reconciler struct {
	fetcher Fetcher
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	actors map[string]Snapshot
}

// NewReconciler creates a reconciler reading through fetcher.
func NewReconciler(fetcher Fetcher) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		logger:  logging.Discard(),
		now:     time.Now,
		actors:  make(map[string]Snapshot),
	}
}

// WithLogger sets the logger.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	r.logger = l
	return r
}

// Reconcile overwrites the cached balance with an authoritative value.
// Negative values are refused and the previous value kept.
func (r *Reconciler) Reconcile(actorID string, newBalance int64) error {
	if newBalance < 0 {
		r.logger.Error("refusing negative balance", "actor_id", actorID, "balance", newBalance)
		return fmt.Errorf("%w: %d", ErrNegativeBalance, newBalance)
	}
	r.mu.Lock()
	r.actors[actorID] = Snapshot{Balance: newBalance, Known: true, UpdatedAt: r.now()}
	r.mu.Unlock()
	return nil
}

// Resync re-fetches the authoritative balance and caches it. On failure
// the cache is left as it was.
func (r *Reconciler) Resync(ctx context.Context, actorID string) (int64, error) {
	if r.fetcher == nil {
		return 0, errors.New("balance: no fetcher configured")
	}
	b, err := r.fetcher.FetchBalance(ctx, actorID)
	if err != nil {
		logging.L(ctx).Warn("balance resync failed", "actor_id", actorID, "error", err)
		return 0, fmt.Errorf("balance: resync: %w", err)
	}
	if err := r.Reconcile(actorID, b); err != nil {
		return 0, err
	}
	return b, nil
}

// Balance returns the cached balance and whether one is known.
func (r *Reconciler) Balance(actorID string) (int64, bool) {
	s := r.Snapshot(actorID)
	return s.Balance, s.Known
}

// Snapshot returns the full cached entry.
func (r *Reconciler) Snapshot(actorID string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actors[actorID]
}

// CanAfford is an advisory hint for UI affordances. Unknown balances are
// reported affordable; the backend decides.
func (r *Reconciler) CanAfford(actorID string, price int64) bool {
	b, known := r.Balance(actorID)
	return !known || b >= price
}

// Invalidate forgets the cached balance (sign-out).
func (r *Reconciler) Invalidate(actorID string) {
	r.mu.Lock()
	delete(r.actors, actorID)
	r.mu.Unlock()
}
