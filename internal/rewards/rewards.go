// Package rewards is the authoritative reward service. Prize selection,
// balance debit, reward creation and settlement all happen here, each in a
// single store transaction.
//
// Flow:
//  1. open_container  → allowance or balance debited, reward drawn, stored pending
//  2. keep_reward     → reward kept (currency rewards credited)
//  3. liquidate_reward → liquidation value credited
//  4. timeout         → pending rewards auto-kept
package rewards

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/lootcore/internal/protocol"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnknownContainer  = errors.New("unknown container")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoAllowance       = errors.New("no allowance left for payment mode")
	ErrRewardNotFound    = errors.New("reward not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAlreadyClaimed    = errors.New("reward already claimed")
	ErrValueMismatch     = errors.New("expected value does not match")
	ErrThrottled         = errors.New("too many requests")
)

// Status of a drawn reward.
type Status string

const (
	StatusPending    Status = "pending"
	StatusKept       Status = "kept"
	StatusLiquidated Status = "liquidated"
	StatusAutoKept   Status = "auto_kept"
)

// Kept reports whether the status is one of the keep outcomes.
func (s Status) Kept() bool { return s == StatusKept || s == StatusAutoKept }

// Account is an actor's spendable state.
type Account struct {
	ActorID   string    `json:"actor_id"`
	Balance   int64     `json:"balance"`
	FreeOpens int64     `json:"free_opens"`
	AdCredits int64     `json:"ad_credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is one drawn reward and everything needed to replay it.
type Record struct {
	ID             string                 `json:"id"`
	ActorID        string                 `json:"actor_id"`
	ContainerID    string                 `json:"container_id"`
	RequestKey     string                 `json:"request_key"`
	PaymentMode    protocol.PaymentMode   `json:"payment_mode"`
	Price          int64                  `json:"price"`
	Reward         protocol.Reward        `json:"reward"`
	Script         []protocol.DisplayItem `json:"roulette_items"`
	WinnerPosition int                    `json:"winner_position"`
	BalanceAfter   int64                  `json:"balance_after"`
	Status         Status                 `json:"status"`
	Credited       int64                  `json:"credited"`
	CreatedAt      time.Time              `json:"created_at"`
	SettledAt      *time.Time             `json:"settled_at,omitempty"`
}

// FundsError describes a shortfall. It unwraps to ErrInsufficientFunds or
// ErrNoAllowance.
type FundsError struct {
	Err      error
	Required int64
	Current  int64
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("%v: need %d, have %d", e.Err, e.Required, e.Current)
}

func (e *FundsError) Unwrap() error { return e.Err }

// ThrottleError is returned when the authoritative throttle denies a call.
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrThrottled, e.RetryAfter)
}

func (e *ThrottleError) Unwrap() error { return ErrThrottled }

// Failure converts a service error into the wire failure. Errors that are
// not business rejections return nil; callers treat those as internal.
func Failure(err error) *protocol.Failure {
	if err == nil {
		return nil
	}
	var fe *FundsError
	if errors.As(err, &fe) {
		code := protocol.CodeInsufficientFunds
		if errors.Is(fe.Err, ErrNoAllowance) {
			code = protocol.CodeNoAllowance
		}
		return &protocol.Failure{Code: code, Message: err.Error(), Required: fe.Required, Current: fe.Current}
	}
	var te *ThrottleError
	if errors.As(err, &te) {
		return &protocol.Failure{Code: protocol.CodeRateLimited, Message: "too many requests", RetryAfter: te.RetryAfter}
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return &protocol.Failure{Code: protocol.CodeInvalidInput, Message: err.Error()}
	case errors.Is(err, ErrUnknownContainer):
		return &protocol.Failure{Code: protocol.CodeUnknownContainer, Message: err.Error()}
	case errors.Is(err, ErrRewardNotFound), errors.Is(err, ErrAccountNotFound):
		return &protocol.Failure{Code: protocol.CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrAlreadyClaimed):
		return &protocol.Failure{Code: protocol.CodeAlreadyClaimed, Message: err.Error()}
	case errors.Is(err, ErrValueMismatch):
		return &protocol.Failure{Code: protocol.CodeValueMismatch, Message: err.Error()}
	}
	return nil
}
