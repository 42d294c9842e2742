package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/lootcore/internal/idgen"
	"github.com/mbd888/lootcore/internal/logging"
)

type event struct {
	action string
	value  int64
	at     time.Time
}

type actorLog struct {
	mu     sync.Mutex
	events []event
}

// Detector evaluates activity per actor. Each instance owns its own state.
type Detector struct {
	logs sync.Map // map[string]*actorLog

	window             time.Duration
	frequencyThreshold int
	highValueThreshold int64

	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a detector with the default thresholds.
func NewDetector() *Detector {
	return &Detector{
		window:             DefaultWindow,
		frequencyThreshold: DefaultFrequencyThreshold,
		highValueThreshold: DefaultHighValueThreshold,
		logger:             logging.Discard(),
		now:                time.Now,
	}
}

// WithThresholds overrides the frequency and value thresholds.
func (d *Detector) WithThresholds(frequency int, highValue int64) *Detector {
	d.frequencyThreshold = frequency
	d.highValueThreshold = highValue
	return d
}

// WithWindow overrides the rolling window length.
func (d *Detector) WithWindow(w time.Duration) *Detector {
	d.window = w
	return d
}

// WithStore persists flagged signals asynchronously.
func (d *Detector) WithStore(s Store) *Detector {
	d.store = s
	return d
}

// WithLogger sets the logger used for flagged signals.
func (d *Detector) WithLogger(l *slog.Logger) *Detector {
	d.logger = l
	return d
}

// WithClock replaces the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// RecordAndEvaluate records the event and reports whether it looks anomalous.
func (d *Detector) RecordAndEvaluate(actorID, action string, value int64) bool {
	return d.Evaluate(actorID, action, value).Anomalous
}

// Evaluate records the event and returns the full signal.
func (d *Detector) Evaluate(actorID, action string, value int64) *Signal {
	now := d.now()
	l := d.log(actorID)

	l.mu.Lock()
	l.events = append(l.events, event{action: action, value: value, at: now})
	d.prune(l, now)
	count := 0
	for _, e := range l.events {
		if e.action == action {
			count++
		}
	}
	l.mu.Unlock()

	sig := &Signal{
		ActorID:    actorID,
		Action:     action,
		Count:      count,
		Value:      value,
		DetectedAt: now,
	}
	if count > d.frequencyThreshold {
		sig.Reasons = append(sig.Reasons, ReasonHighFrequency)
	}
	return d.finish(sig)
}

// EvaluateValue checks value against the high-value threshold without
// recording an event, so the action's frequency is left untouched.
func (d *Detector) EvaluateValue(actorID, action string, value int64) *Signal {
	return d.finish(&Signal{
		ActorID:    actorID,
		Action:     action,
		Count:      d.Count(actorID, action),
		Value:      value,
		DetectedAt: d.now(),
	})
}

// finish applies the value rule, then logs and persists flagged signals.
func (d *Detector) finish(sig *Signal) *Signal {
	if sig.Value > d.highValueThreshold {
		sig.Reasons = append(sig.Reasons, ReasonHighValue)
	}
	sig.Anomalous = len(sig.Reasons) > 0
	if !sig.Anomalous {
		return sig
	}

	sig.ID = idgen.WithPrefix("anm_")
	d.logger.Warn("anomalous activity",
		"actor_id", sig.ActorID, "action", sig.Action, "count", sig.Count, "value", sig.Value, "reasons", sig.Reasons)
	if d.store != nil {
		go func(s Signal) {
			if err := d.store.Record(context.Background(), &s); err != nil {
				d.logger.Warn("failed to persist anomaly signal",
					"signal_id", s.ID, "actor_id", s.ActorID, "error", err)
			}
		}(*sig)
	}
	return sig
}

// Count returns how many events of action actorID has in the current window.
func (d *Detector) Count(actorID, action string) int {
	v, ok := d.logs.Load(actorID)
	if !ok {
		return 0
	}
	l := v.(*actorLog)
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	n := 0
	for _, e := range l.events {
		if e.action == action && e.at.After(cutoff) {
			n++
		}
	}
	return n
}

// Reset forgets an actor's activity.
func (d *Detector) Reset(actorID string) {
	d.logs.Delete(actorID)
}

func (d *Detector) log(actorID string) *actorLog {
	v, _ := d.logs.LoadOrStore(actorID, &actorLog{})
	return v.(*actorLog)
}

// prune drops events outside the window and caps the log. Caller holds l.mu.
func (d *Detector) prune(l *actorLog, now time.Time) {
	cutoff := now.Add(-d.window)
	start := 0
	for start < len(l.events) && !l.events[start].at.After(cutoff) {
		start++
	}
	if start > 0 {
		l.events = l.events[start:]
	}
	if len(l.events) > maxEventsPerActor {
		l.events = l.events[len(l.events)-maxEventsPerActor:]
	}
}
