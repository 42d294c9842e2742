package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultAutoKeepAfter is how long a reward may stay pending before it is
// kept on the actor's behalf.
const DefaultAutoKeepAfter = 10 * time.Minute

// Timer periodically auto-keeps rewards nobody settled, e.g. when the
// client was closed mid-animation.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	after    time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new auto-keep timer.
func NewTimer(service *Service, store Store, after time.Duration, logger *slog.Logger) *Timer {
	if after <= 0 {
		after = DefaultAutoKeepAfter
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		after:    after,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-keep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeKeepExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeKeepExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-keep timer", "panic", fmt.Sprint(r))
		}
	}()
	t.keepExpired(ctx)
}

func (t *Timer) keepExpired(ctx context.Context) {
	cutoff := t.service.now().Add(-t.after)

	pending, err := t.store.ListPendingBefore(ctx, cutoff, 100)
	if err != nil {
		t.logger.Warn("failed to list pending rewards", "error", err)
		return
	}

	for _, rec := range pending {
		res, err := t.service.AutoKeep(ctx, rec)
		if err != nil {
			// The actor settled it between list and keep.
			if errors.Is(err, ErrAlreadyClaimed) {
				continue
			}
			t.logger.Warn("failed to auto-keep reward", "reward_id", rec.ID, "error", err)
			continue
		}
		if !res.Duplicate {
			t.logger.Info("auto-kept reward",
				"reward_id", rec.ID, "actor_id", rec.ActorID, "reward", rec.Reward.Key(), "credited", res.Credited)
		}
	}
}
