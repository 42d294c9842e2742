// Package audit records security- and money-relevant events. Recording is
// fire-and-forget: sinks never block the caller and never return errors.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/lootcore/internal/idgen"
	"github.com/mbd888/lootcore/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// EventType names an audited occurrence.
type EventType string

const (
	EventOpenSucceeded    EventType = "open.succeeded"
	EventOpenFailed       EventType = "open.failed"
	EventRewardKept       EventType = "reward.kept"
	EventRewardLiquidated EventType = "reward.liquidated"
	EventRewardAutoKept   EventType = "reward.auto_kept"
	EventRateLimited      EventType = "security.rate_limited"
	EventAnomaly          EventType = "security.anomaly"
	EventCredit           EventType = "account.credited"
	EventOutcomeRecovered EventType = "open.recovered"
)

// Event is one audit record.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	ActorID    string         `json:"actor_id"`
	Source     string         `json:"source"`
	Attributes map[string]any `json:"attributes,omitempty"`
	At         time.Time      `json:"at"`
}

// New builds an event stamped with an ID and the current time.
func New(t EventType, actorID string, attrs map[string]any) Event {
	return Event{
		ID:         idgen.EventID(),
		Type:       t,
		ActorID:    actorID,
		Attributes: attrs,
		At:         time.Now().UTC(),
	}
}

// Logger is the audit collaborator.
type Logger interface {
	Record(ctx context.Context, e Event)
}

var recordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lootcore",
	Subsystem: "audit",
	Name:      "events_total",
	Help:      "Audit events recorded by type and sink.",
}, []string{"type", "sink"})

var droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lootcore",
	Subsystem: "audit",
	Name:      "events_dropped_total",
	Help:      "Audit events dropped by sink.",
}, []string{"sink"})

func init() {
	prometheus.MustRegister(recordedTotal, droppedTotal)
}

// Nop discards events.
type Nop struct{}

// Record implements Logger.
func (Nop) Record(context.Context, Event) {}

// SlogSink writes events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
	source string
}

// NewSlogSink creates a sink tagging events with source.
func NewSlogSink(logger *slog.Logger, source string) *SlogSink {
	return &SlogSink{logger: logger, source: source}
}

// Record implements Logger.
func (s *SlogSink) Record(ctx context.Context, e Event) {
	if e.Source == "" {
		e.Source = s.source
	}
	recordedTotal.WithLabelValues(string(e.Type), "slog").Inc()
	logger := s.logger
	if reqID := logging.RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("actor_id", e.ActorID),
		slog.String("source", e.Source),
		slog.Any("attributes", e.Attributes),
	)
}

// MemorySink keeps events in memory for tests and the debug endpoint.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Record implements Logger.
func (m *MemorySink) Record(_ context.Context, e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	recordedTotal.WithLabelValues(string(e.Type), "memory").Inc()
}

// Events returns a copy of everything recorded.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns recorded events of type t.
func (m *MemorySink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several loggers.
type Multi []Logger

// Record implements Logger.
func (m Multi) Record(ctx context.Context, e Event) {
	for _, l := range m {
		if l != nil {
			l.Record(ctx, e)
		}
	}
}
