package protocol

import (
	"fmt"
	"time"
)

// Error codes carried in the "error" field of failed responses.
const (
	CodeInvalidInput      = "invalid_input"
	CodeRateLimited       = "rate_limited"
	CodeInsufficientFunds = "insufficient_funds"
	CodeNoAllowance       = "no_allowance"
	CodeUnknownContainer  = "unknown_container"
	CodeNotFound          = "not_found"
	CodeAlreadyClaimed    = "already_claimed"
	CodeValueMismatch     = "value_mismatch"
	CodeInternal          = "internal_error"
)

// OpenRequest is the open_container call.
type OpenRequest struct {
	ActorID     string      `json:"actor_id"`
	ContainerID string      `json:"container_id"`
	PaymentMode PaymentMode `json:"payment_mode"`
	RequestKey  string      `json:"request_key"`
}

// OpenResponse is the open_container result. On failure Error is set and,
// for insufficient funds, Required/Current describe the shortfall.
type OpenResponse struct {
	Success        bool          `json:"success"`
	RewardID       string        `json:"reward_id,omitempty"`
	Reward         *Reward       `json:"reward,omitempty"`
	NewBalance     int64         `json:"new_balance"`
	RouletteItems  []DisplayItem `json:"roulette_items,omitempty"`
	WinnerPosition int           `json:"winner_position"`
	Replayed       bool          `json:"replayed,omitempty"`
	Error          string        `json:"error,omitempty"`
	Message        string        `json:"message,omitempty"`
	Required       int64         `json:"required,omitempty"`
	Current        int64         `json:"current,omitempty"`
	RetryAfterMs   int64         `json:"retry_after_ms,omitempty"`
}

// LiquidateRequest is the liquidate_reward call.
type LiquidateRequest struct {
	ActorID       string `json:"actor_id"`
	RewardRef     string `json:"reward_ref"`
	ExpectedValue int64  `json:"expected_value"`
}

// LiquidateResponse is the liquidate_reward result.
type LiquidateResponse struct {
	Success      bool   `json:"success"`
	NewBalance   int64  `json:"new_balance"`
	Credited     int64  `json:"credited"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// KeepRequest is the keep_reward call.
type KeepRequest struct {
	ActorID   string `json:"actor_id"`
	RewardRef string `json:"reward_ref"`
}

// KeepResponse is the keep_reward result. NewBalance is only meaningful for
// currency rewards, which are credited on keep.
type KeepResponse struct {
	Success      bool   `json:"success"`
	NewBalance   int64  `json:"new_balance"`
	Credited     int64  `json:"credited"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// BalanceResponse is the authoritative account snapshot.
type BalanceResponse struct {
	ActorID   string `json:"actor_id"`
	Balance   int64  `json:"balance"`
	FreeOpens int64  `json:"free_opens"`
	AdCredits int64  `json:"ad_credits"`
}

// ErrorResponse is the generic failure body for non-RPC endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RetryAfterMillis converts a wait into the wire representation.
func RetryAfterMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}

// Failure is a structured business rejection from the reward service. It is
// returned as an error by backend implementations so callers can branch on
// Code and render remediation ("need Required, have Current").
type Failure struct {
	Code       string
	Message    string
	Required   int64
	Current    int64
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return f.Code
}

// FailureFromOpen extracts the failure carried by an unsuccessful open.
func FailureFromOpen(r *OpenResponse) *Failure {
	return &Failure{
		Code:       r.Error,
		Message:    r.Message,
		Required:   r.Required,
		Current:    r.Current,
		RetryAfter: time.Duration(r.RetryAfterMs) * time.Millisecond,
	}
}
