// Package lootbox is the client-side reward orchestrator. It sequences
// validation, fair-play checks and exactly one atomic backend call per
// logical open, keeps the cached balance honest, and exposes the follow-up
// keep/liquidate actions.
//
// Per actor:
//
//	idle → validating → rate_limited
//	                  → requesting → resolved | failed
//
// The orchestrator never computes or influences an outcome. Prize
// selection, debit and credit happen in one backend transaction; the client
// renders whatever script the backend returns.
package lootbox

import (
	"time"

	"github.com/mbd888/lootcore/internal/animation"
	"github.com/mbd888/lootcore/internal/protocol"
)

// Action kinds used for rate limiting and anomaly detection.
const (
	ActionOpen      = "open_container"
	ActionKeep      = "keep_reward"
	ActionLiquidate = "liquidate_reward"

	// ActionRewardDrawn is value-checked after an open resolves.
	ActionRewardDrawn = "reward_drawn"
)

// State is an actor's position in the open cycle.
type State string

const (
	StateIdle        State = "idle"
	StateValidating  State = "validating"
	StateRateLimited State = "rate_limited"
	StateRequesting  State = "requesting"
	StateResolved    State = "resolved"
	StateFailed      State = "failed"
)

// RewardRequest is one user request to open a container.
type RewardRequest struct {
	ActorID     string
	ContainerID string
	PaymentMode protocol.PaymentMode
}

// Outcome is a successfully resolved open.
type Outcome struct {
	RewardID    string                 `json:"reward_id"`
	RequestKey  string                 `json:"request_key"`
	ContainerID string                 `json:"container_id"`
	Reward      protocol.Reward        `json:"reward"`
	NewBalance  int64                  `json:"new_balance"`
	Script      []protocol.DisplayItem `json:"roulette_script"`
	WinnerIndex int                    `json:"winner_index"`
	Replayed    bool                   `json:"replayed,omitempty"`
	ResolvedAt  time.Time              `json:"resolved_at"`
}

// Reveal converts the outcome into animation input.
func (o *Outcome) Reveal() *animation.Reveal {
	if o == nil {
		return nil
	}
	return &animation.Reveal{
		RewardID:    o.RewardID,
		Reward:      o.Reward,
		Items:       o.Script,
		WinnerIndex: o.WinnerIndex,
	}
}

// Settlement is the result of keep or liquidate.
type Settlement struct {
	RewardID   string `json:"reward_id"`
	Action     string `json:"action"`
	NewBalance int64  `json:"new_balance"`
	Credited   int64  `json:"credited"`
	// Duplicate is set when the call was a no-op repeat of an earlier one.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Limit is a base rate limit for one action.
type Limit struct {
	MaxAttempts int
	Window      time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	OpenLimit      Limit
	KeepLimit      Limit
	LiquidateLimit Limit
	MaxRewardValue int64
	// ResyncTimeout bounds the balance re-fetch after a network failure.
	ResyncTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OpenLimit:      Limit{MaxAttempts: 10, Window: time.Minute},
		KeepLimit:      Limit{MaxAttempts: 30, Window: time.Minute},
		LiquidateLimit: Limit{MaxAttempts: 30, Window: time.Minute},
		MaxRewardValue: protocol.DefaultMaxRewardValue,
		ResyncTimeout:  5 * time.Second,
	}
}
