package lootbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/lootcore/internal/protocol"
)

// Kind classifies every failure the orchestrator reports.
type Kind int

const (
	// KindInvalidInput is a local rejection; nothing was sent.
	KindInvalidInput Kind = iota + 1
	// KindRateLimited is a local or server-confirmed throttle.
	KindRateLimited
	// KindInsufficientFunds is server-confirmed; Required/Current are set.
	KindInsufficientFunds
	// KindNetworkFailure means the outcome is unknown; balance was resynced.
	KindNetworkFailure
	// KindServerRejected is an explicit business-rule failure.
	KindServerRejected
	// KindBusy means another open for the same actor is in flight.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNetworkFailure:
		return "network_failure"
	case KindServerRejected:
		return "server_rejected"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Commit is what the client knows about whether an ambiguous open was
// committed by the backend.
type Commit int

const (
	// CommitUnknown means the backend could not be asked.
	CommitUnknown Commit = iota
	// CommitNone means the backend has no record of the request key.
	CommitNone
	// CommitApplied means the backend holds a committed outcome.
	CommitApplied
)

func (c Commit) String() string {
	switch c {
	case CommitNone:
		return "not_committed"
	case CommitApplied:
		return "committed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on kind.
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrNetworkFailure    = &Error{Kind: KindNetworkFailure}
	ErrServerRejected    = &Error{Kind: KindServerRejected}
	ErrBusy              = &Error{Kind: KindBusy}
)

// Error is the failure returned by every orchestrator operation.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string

	// RateLimited
	RetryAfter time.Duration
	ResetAt    time.Time

	// InsufficientFunds
	Required int64
	Current  int64

	// NetworkFailure: the idempotency key of the ambiguous open, and whether
	// the resynced balance differs from the cached one.
	RequestKey     string
	BalanceChanged bool
	// Committed is the result of looking the request key up after an
	// ambiguous open. Outcome is set when the open committed and its
	// result could be rendered.
	Committed Commit
	Outcome   *Outcome

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// UserMessage is a human-presentable description of the failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindInvalidInput:
		return "That request is not valid."
	case KindRateLimited:
		secs := int(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("Too many attempts. Try again in %d seconds.", secs)
	case KindInsufficientFunds:
		return fmt.Sprintf("Not enough coins: need %d, have %d.", e.Required, e.Current)
	case KindNetworkFailure:
		if e.Op != ActionOpen {
			return "Connection lost. We could not confirm the result; it is safe to try again."
		}
		switch e.Committed {
		case CommitApplied:
			return "Connection lost, but your open went through. Your reward is ready."
		case CommitNone:
			return "Connection lost before the open was recorded. Nothing was charged; please try again."
		}
		if e.BalanceChanged {
			return "Connection lost, but your balance changed, so the open probably went through. Check your rewards before trying again."
		}
		return "Connection lost. We could not confirm whether your open went through. Check your rewards before trying again."
	case KindServerRejected:
		if e.Message != "" {
			return e.Message
		}
		return "The request was rejected."
	case KindBusy:
		return "Already opening, please wait."
	default:
		return "Something went wrong."
	}
}

// KindOf returns the kind of err, if it is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// fromBackend classifies a backend error. Anything that is not a
// structured *protocol.Failure is a transport failure with unknown outcome.
func fromBackend(op string, err error) *Error {
	var f *protocol.Failure
	if !errors.As(err, &f) {
		return &Error{Kind: KindNetworkFailure, Op: op, Err: err}
	}
	e := &Error{Op: op, Code: f.Code, Message: f.Message, Err: err}
	switch f.Code {
	case protocol.CodeInsufficientFunds, protocol.CodeNoAllowance:
		e.Kind = KindInsufficientFunds
		e.Required, e.Current = f.Required, f.Current
	case protocol.CodeRateLimited:
		e.Kind = KindRateLimited
		e.RetryAfter = f.RetryAfter
	case protocol.CodeInvalidInput:
		e.Kind = KindInvalidInput
	default:
		e.Kind = KindServerRejected
	}
	return e
}
