package rewards

import (
	"context"
	"time"

	"github.com/mbd888/lootcore/internal/pagination"
	"github.com/mbd888/lootcore/internal/protocol"
)

// Store persists accounts and rewards. Open and Settle are atomic: the
// account change and the reward row commit together or not at all.
type Store interface {
	// EnsureAccount creates the account with startingBalance if absent.
	EnsureAccount(ctx context.Context, actorID string, startingBalance int64) (*Account, error)
	Account(ctx context.Context, actorID string) (*Account, error)
	Credit(ctx context.Context, actorID string, amount int64) (*Account, error)
	GrantAllowance(ctx context.Context, actorID string, mode protocol.PaymentMode, n int64) (*Account, error)

	// Open charges the account for rec.PaymentMode and inserts rec as
	// pending. When (actor, request key) already exists the stored record
	// is returned with replayed=true and nothing is charged.
	Open(ctx context.Context, rec *Record) (stored *Record, replayed bool, err error)
	// Settle moves a pending reward to status and credits credit. Repeating
	// the same settlement returns duplicate=true; a conflicting one fails
	// with ErrAlreadyClaimed.
	Settle(ctx context.Context, p SettleParams) (rec *Record, acct *Account, duplicate bool, err error)

	Reward(ctx context.Context, id string) (*Record, error)
	RewardByRequestKey(ctx context.Context, actorID, requestKey string) (*Record, error)
	// ListByActor lists newest first, starting after the cursor when set.
	ListByActor(ctx context.Context, actorID string, after *pagination.Cursor, limit int) ([]*Record, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Record, error)
}

// SettleParams describes one settlement.
type SettleParams struct {
	RewardID string
	ActorID  string
	Status   Status
	Credit   int64
	At       time.Time
}

// sameSettlement reports whether an existing status satisfies a repeat of
// the requested one.
func sameSettlement(existing, requested Status) bool {
	if requested.Kept() {
		return existing.Kept()
	}
	return existing == requested
}

// charge returns the account after paying for one open, or a FundsError.
func charge(acct Account, mode protocol.PaymentMode, price int64) (Account, error) {
	switch mode {
	case protocol.PaymentFree:
		if acct.FreeOpens < 1 {
			return acct, &FundsError{Err: ErrNoAllowance, Required: 1, Current: acct.FreeOpens}
		}
		acct.FreeOpens--
	case protocol.PaymentAdViewed:
		if acct.AdCredits < 1 {
			return acct, &FundsError{Err: ErrNoAllowance, Required: 1, Current: acct.AdCredits}
		}
		acct.AdCredits--
	default:
		if acct.Balance < price {
			return acct, &FundsError{Err: ErrInsufficientFunds, Required: price, Current: acct.Balance}
		}
		acct.Balance -= price
	}
	return acct, nil
}
