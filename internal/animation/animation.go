// Package animation drives the reveal sequence of an opened container from a
// server-issued outcome. The final stopping point is a pure function of the
// winner index and the fixed strip geometry, so the item the user sees land
// is always the item the backend granted.
//
//	idle → opening → scrolling → settled → complete
//	          │
//	          └──→ errored          (any non-terminal) ──Teardown──→ cancelled
package animation

import (
	"errors"
	"time"

	"github.com/mbd888/lootcore/internal/protocol"
)

var (
	ErrNoOutcome           = errors.New("animation: no successful outcome to reveal")
	ErrInconsistentOutcome = errors.New("animation: winner index does not match reward")
	ErrInvalidTransition   = errors.New("animation: invalid transition")
)

// Phase is a named state of the reveal.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOpening
	PhaseScrolling
	PhaseSettled
	PhaseComplete
	PhaseErrored
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOpening:
		return "opening"
	case PhaseScrolling:
		return "scrolling"
	case PhaseSettled:
		return "settled"
	case PhaseComplete:
		return "complete"
	case PhaseErrored:
		return "errored"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further automatic transition will happen.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseErrored || p == PhaseCancelled
}

// Geometry is the fixed layout of the roulette strip in pixels.
type Geometry struct {
	ItemWidth     int
	Gap           int
	ViewportWidth int
}

// DefaultGeometry matches the standard reveal strip.
func DefaultGeometry() Geometry {
	return Geometry{ItemWidth: 140, Gap: 8, ViewportWidth: 900}
}

// Valid reports whether the layout can position items. A zero item width
// would make every item share one position.
func (g Geometry) Valid() bool {
	return g.ItemWidth > 0 && g.Gap >= 0 && g.ViewportWidth > 0
}

// Pitch is the distance between the left edges of adjacent items.
func (g Geometry) Pitch() int { return g.ItemWidth + g.Gap }

// Offset is the strip translation that centres item index under the marker.
func (g Geometry) Offset(index int) int {
	return index*g.Pitch() + g.ItemWidth/2 - g.ViewportWidth/2
}

// IndexAt is the item under the centre marker for a strip offset.
func (g Geometry) IndexAt(offset int) int {
	pos := offset + g.ViewportWidth/2
	if pos < 0 || g.Pitch() <= 0 {
		return -1
	}
	return pos / g.Pitch()
}

// Timing holds the fixed phase durations.
type Timing struct {
	ScrollDuration time.Duration
	SettlePause    time.Duration
}

// DefaultTiming is the standard reveal pacing.
func DefaultTiming() Timing {
	return Timing{ScrollDuration: 6 * time.Second, SettlePause: 1500 * time.Millisecond}
}

// Reveal is the server-issued data the animation consumes.
type Reveal struct {
	RewardID    string
	Reward      protocol.Reward
	Items       []protocol.DisplayItem
	WinnerIndex int
}

// Validate checks that the winner index points at the granted reward.
func (r *Reveal) Validate() error {
	if r == nil || len(r.Items) == 0 {
		return ErrNoOutcome
	}
	if !protocol.ScriptConsistent(r.Items, r.WinnerIndex, r.Reward) {
		return ErrInconsistentOutcome
	}
	return nil
}
