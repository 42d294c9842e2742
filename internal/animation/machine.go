package animation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mbd888/lootcore/internal/protocol"
)

// Option configures a Machine.
type Option func(*Machine)

// WithScheduler replaces the timer source.
func WithScheduler(s Scheduler) Option {
	return func(m *Machine) { m.sched = s }
}

// WithClock replaces the time source used by Progress.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// OnTransition registers an observer called after every phase change.
func OnTransition(fn func(from, to Phase)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// OnComplete registers the callback fired once when the reveal completes.
func OnComplete(fn func(Reveal)) Option {
	return func(m *Machine) { m.onComplete = fn }
}

// Machine is one reveal. It is safe for concurrent use; callbacks run
// outside the internal lock.
type Machine struct {
	geometry Geometry
	timing   Timing
	sched    Scheduler
	now      func() time.Time

	onTransition func(from, to Phase)
	onComplete   func(Reveal)

	mu         sync.Mutex
	phase      Phase
	reveal     *Reveal
	offset     int
	err        error
	scrollFrom time.Time
	timers     []Timer
	generation int
}

// NewMachine creates an idle machine. An invalid geometry is replaced by
// DefaultGeometry.
func NewMachine(g Geometry, t Timing, opts ...Option) *Machine {
	if !g.Valid() {
		g = DefaultGeometry()
	}
	m := &Machine{
		geometry: g,
		timing:   t,
		sched:    RealScheduler(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type notification struct {
	from, to Phase
	complete *Reveal
}

func (m *Machine) notify(n []notification) {
	for _, e := range n {
		if m.onTransition != nil {
			m.onTransition(e.from, e.to)
		}
		if e.complete != nil && m.onComplete != nil {
			m.onComplete(*e.complete)
		}
	}
}

// setPhase records a transition. Caller holds m.mu.
func (m *Machine) setPhase(to Phase) notification {
	from := m.phase
	m.phase = to
	return notification{from: from, to: to}
}

// Begin enters opening: the user asked for a reveal and the outcome is
// pending. A finished machine can begin again.
func (m *Machine) Begin() error {
	m.mu.Lock()
	if m.phase != PhaseIdle && !m.phase.Terminal() {
		p := m.phase
		m.mu.Unlock()
		return fmt.Errorf("%w: begin from %s", ErrInvalidTransition, p)
	}
	m.stopTimersLocked()
	m.reveal, m.err, m.offset = nil, nil, 0
	n := m.setPhase(PhaseOpening)
	m.mu.Unlock()

	m.notify([]notification{n})
	return nil
}

// Start moves opening → scrolling with a successful outcome. A missing or
// inconsistent outcome moves to errored instead; the machine never spins
// without a winner.
func (m *Machine) Start(r *Reveal) error {
	m.mu.Lock()
	var notes []notification
	if m.phase == PhaseIdle {
		notes = append(notes, m.setPhase(PhaseOpening))
	}
	if m.phase != PhaseOpening {
		p := m.phase
		m.mu.Unlock()
		m.notify(notes)
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, p)
	}

	if err := r.Validate(); err != nil {
		m.err = err
		notes = append(notes, m.setPhase(PhaseErrored))
		m.mu.Unlock()
		m.notify(notes)
		return err
	}

	cp := *r
	cp.Items = append([]protocol.DisplayItem(nil), r.Items...)
	m.reveal = &cp
	m.offset = m.geometry.Offset(cp.WinnerIndex)
	m.scrollFrom = m.now()
	notes = append(notes, m.setPhase(PhaseScrolling))

	gen := m.generation
	m.timers = append(m.timers, m.sched.AfterFunc(m.timing.ScrollDuration, func() { m.settle(gen) }))
	m.mu.Unlock()

	m.notify(notes)
	return nil
}

// Fail moves a pending reveal to errored, e.g. when the open request failed.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	if m.phase.Terminal() {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	if err == nil {
		err = ErrNoOutcome
	}
	m.err = err
	n := m.setPhase(PhaseErrored)
	m.mu.Unlock()

	m.notify([]notification{n})
}

func (m *Machine) settle(gen int) {
	m.mu.Lock()
	if gen != m.generation || m.phase != PhaseScrolling {
		m.mu.Unlock()
		return
	}
	n := m.setPhase(PhaseSettled)
	m.timers = append(m.timers, m.sched.AfterFunc(m.timing.SettlePause, func() { m.complete(gen) }))
	m.mu.Unlock()

	m.notify([]notification{n})
}

func (m *Machine) complete(gen int) {
	m.mu.Lock()
	if gen != m.generation || m.phase != PhaseSettled {
		m.mu.Unlock()
		return
	}
	n := m.setPhase(PhaseComplete)
	r := *m.reveal
	n.complete = &r
	m.timers = nil
	m.mu.Unlock()

	m.notify([]notification{n})
}

// Teardown clears every pending timer and drops the visual continuation.
// Network results are unaffected; they still reconcile through the
// orchestrator.
func (m *Machine) Teardown() {
	m.mu.Lock()
	m.stopTimersLocked()
	if m.phase.Terminal() || m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	n := m.setPhase(PhaseCancelled)
	m.mu.Unlock()

	m.notify([]notification{n})
}

// stopTimersLocked stops pending timers and invalidates their callbacks.
func (m *Machine) stopTimersLocked() {
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	m.generation++
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Err returns why the machine errored, if it did.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Offset returns the final strip offset for the current reveal.
func (m *Machine) Offset() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// FinalItem returns the item the strip lands on.
func (m *Machine) FinalItem() (protocol.DisplayItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reveal == nil {
		return protocol.DisplayItem{}, false
	}
	idx := m.geometry.IndexAt(m.offset)
	if idx < 0 || idx >= len(m.reveal.Items) {
		return protocol.DisplayItem{}, false
	}
	return m.reveal.Items[idx], true
}

// ActionsAvailable reports whether keep/liquidate may be offered.
func (m *Machine) ActionsAvailable() bool {
	return m.Phase() == PhaseComplete
}

// PendingTimers returns how many phase timers are outstanding.
func (m *Machine) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Progress is the strip offset to render at now: an ease-out curve from 0 to
// the final offset while scrolling, the final offset afterwards.
func (m *Machine) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseScrolling:
		if m.timing.ScrollDuration <= 0 {
			return float64(m.offset)
		}
		t := float64(m.now().Sub(m.scrollFrom)) / float64(m.timing.ScrollDuration)
		t = math.Max(0, math.Min(1, t))
		return float64(m.offset) * easeOutCubic(t)
	case PhaseSettled, PhaseComplete:
		return float64(m.offset)
	default:
		return 0
	}
}

func easeOutCubic(t float64) float64 {
	return 1 - math.Pow(1-t, 3)
}
