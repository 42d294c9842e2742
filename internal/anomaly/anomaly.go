// Package anomaly keeps a rolling activity log per actor and flags bursts of
// the same action or unusually large values. It never blocks anything; the
// caller decides whether to log, alert or tighten limits.
package anomaly

import (
	"context"
	"time"
)

// Defaults for the detector.
const (
	DefaultWindow             = 10 * time.Minute
	DefaultFrequencyThreshold = 20
	DefaultHighValueThreshold = int64(100_000)

	maxEventsPerActor = 1000
)

// Reasons attached to a flagged signal.
const (
	ReasonHighFrequency = "high_frequency"
	ReasonHighValue     = "high_value"
)

// Signal is the evaluation of one recorded event.
type Signal struct {
	ID         string    `json:"id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	Anomalous  bool      `json:"anomalous"`
	Reasons    []string  `json:"reasons,omitempty"`
	Count      int       `json:"count"`
	Value      int64     `json:"value"`
	DetectedAt time.Time `json:"detected_at"`
}

// Store persists flagged signals for later review.
type Store interface {
	Record(ctx context.Context, s *Signal) error
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Signal, error)
}
