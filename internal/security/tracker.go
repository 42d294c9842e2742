package security

import (
	"sync"
	"time"
)

// Metrics is the per-actor security summary exposed to the UI.
type Metrics struct {
	RateLimitViolations   int       `json:"rate_limit_violations"`
	SuspiciousActionCount int       `json:"suspicious_action_count"`
	LastViolation         time.Time `json:"last_violation,omitempty"`
}

// Tracker accumulates Metrics for the lifetime of a session. Callers skip
// recording for exempt (administrator) actors.
type Tracker struct {
	mu     sync.Mutex
	actors map[string]*Metrics
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{actors: make(map[string]*Metrics)}
}

func (t *Tracker) entry(actorID string) *Metrics {
	m, ok := t.actors[actorID]
	if !ok {
		m = &Metrics{}
		t.actors[actorID] = m
	}
	return m
}

// RecordViolation counts a rate-limit denial at the given time.
func (t *Tracker) RecordViolation(actorID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.entry(actorID)
	m.RateLimitViolations++
	if at.After(m.LastViolation) {
		m.LastViolation = at
	}
}

// RecordSuspicious counts an anomaly signal.
func (t *Tracker) RecordSuspicious(actorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(actorID).SuspiciousActionCount++
}

// Metrics returns a copy of the actor's metrics; zero if none recorded.
func (t *Tracker) Metrics(actorID string) Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.actors[actorID]; ok {
		return *m
	}
	return Metrics{}
}

// Reset clears the actor's metrics (sign-out).
func (t *Tracker) Reset(actorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.actors, actorID)
}
