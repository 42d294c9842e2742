// Package ratelimit implements the adaptive, per-actor per-action rate limiter
// used in front of every reward operation, plus the durable throttle the
// reward service enforces authoritatively.
//
// Each (actor, action) pair owns a fixed window counter. Exceeding the window
// blocks the key for an escalating duration and remembers the violation;
// repeat offenders get a shrinking allowance in later windows.
package ratelimit

import (
	"sync"
	"time"
)

// Denial reasons.
const (
	ReasonBlocked       = "blocked"
	ReasonLimitExceeded = "limit_exceeded"
)

// Config configures the limiter.
type Config struct {
	// BlockDuration is the base block applied on the first violation.
	BlockDuration time.Duration
	// ViolationTTL forgets violation memory after this long without a new
	// violation. Zero keeps it for the limiter's lifetime.
	ViolationTTL time.Duration
	// IdleTTL evicts keys untouched for this long and not blocked.
	IdleTTL time.Duration
	// CleanupInterval is how often idle keys are swept. Zero disables the sweeper.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BlockDuration:   time.Minute,
		ViolationTTL:    time.Hour,
		IdleTTL:         2 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
}

// RetryAfter is how long the caller should wait from now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// State is the per (actor, action) counter.
type State struct {
	WindowStart           time.Time `json:"window_start"`
	AttemptCount          int       `json:"attempt_count"`
	ConsecutiveViolations int       `json:"consecutive_violations"`
	BlockedUntil          time.Time `json:"blocked_until,omitempty"`
	LastViolation         time.Time `json:"last_violation,omitempty"`
}

// EffectiveMax is the allowance in the current window for a base maximum.
// Every two remembered violations cost one attempt, never below one.
func (s State) EffectiveMax(maxAttempts int) int {
	eff := maxAttempts - s.ConsecutiveViolations/2
	if eff < 1 {
		return 1
	}
	return eff
}

// Blocked reports whether the key is blocked at now.
func (s State) Blocked(now time.Time) bool {
	return !s.BlockedUntil.IsZero() && now.Before(s.BlockedUntil)
}

type key struct {
	actor  string
	action string
}

type bucket struct {
	mu       sync.Mutex
	state    State
	lastSeen time.Time
}

// Limiter holds rate-limit state for one orchestrator or server instance.
// Construct one per owner; there is no package-level state.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[key]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter. A positive CleanupInterval starts a sweeper
// goroutine that Stop ends.
func New(cfg Config) *Limiter {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultConfig().BlockDuration
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[key]*bucket),
		stop:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanup()
	}
	return l
}

// WithClock replaces the time source. Call before use.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) bucket(k key, create bool) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[k]
	if !ok && create {
		b = &bucket{}
		l.buckets[k] = b
	}
	return b
}

// CheckAndConsume records one attempt of action by actorID and decides
// whether it may proceed. maxAttempts is the base allowance per window.
func (l *Limiter) CheckAndConsume(actorID, action string, maxAttempts int, window time.Duration) Decision {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := l.bucket(key{actorID, action}, true)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.lastSeen = now
	s := &b.state

	if s.Blocked(now) {
		return Decision{Allowed: false, ResetAt: s.BlockedUntil, Reason: ReasonBlocked}
	}
	if !s.BlockedUntil.IsZero() {
		// Block served: start clean.
		s.BlockedUntil = time.Time{}
		s.WindowStart = now
		s.AttemptCount = 0
	}
	if l.cfg.ViolationTTL > 0 && s.ConsecutiveViolations > 0 && now.Sub(s.LastViolation) >= l.cfg.ViolationTTL {
		s.ConsecutiveViolations = 0
	}
	if s.WindowStart.IsZero() || now.Sub(s.WindowStart) >= window {
		s.WindowStart = now
		s.AttemptCount = 0
	}

	effectiveMax := s.EffectiveMax(maxAttempts)
	s.AttemptCount++

	if s.AttemptCount > effectiveMax {
		multiplier := 1 + float64(s.ConsecutiveViolations)*0.5
		s.BlockedUntil = now.Add(time.Duration(float64(l.cfg.BlockDuration) * multiplier))
		s.ConsecutiveViolations++
		s.LastViolation = now
		return Decision{Allowed: false, ResetAt: s.BlockedUntil, Reason: ReasonLimitExceeded}
	}

	return Decision{
		Allowed:   true,
		Remaining: effectiveMax - s.AttemptCount,
		ResetAt:   s.WindowStart.Add(window),
	}
}

// Status returns a snapshot of the state for (actorID, action) without
// consuming an attempt.
func (l *Limiter) Status(actorID, action string) (State, bool) {
	b := l.bucket(key{actorID, action}, false)
	if b == nil {
		return State{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, true
}

// Reset forgets every action of actorID.
func (l *Limiter) Reset(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if k.actor == actorID {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops keys that are idle and not blocked.
func (l *Limiter) sweep() {
	ttl := l.cfg.IdleTTL
	if ttl <= 0 {
		return
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) >= ttl && !b.state.Blocked(now)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
		}
	}
}
