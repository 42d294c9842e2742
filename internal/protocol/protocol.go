// Package protocol defines the request/response shapes exchanged between the
// client core and the reward service. All monetary fields are non-negative
// integers in the smallest currency unit.
package protocol

import (
	"errors"
	"fmt"
)

// DefaultMaxRewardValue bounds liquidation values and currency amounts.
const DefaultMaxRewardValue int64 = 10_000_000

// PaymentMode says how an open is paid for. Exactly one per request.
type PaymentMode string

const (
	PaymentOwned    PaymentMode = "owned"
	PaymentFree     PaymentMode = "free"
	PaymentAdViewed PaymentMode = "ad_viewed"
)

// Valid reports whether m is a known payment mode.
func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentOwned, PaymentFree, PaymentAdViewed:
		return true
	}
	return false
}

// RewardType tags the Reward union.
type RewardType string

const (
	RewardItem     RewardType = "item"
	RewardCurrency RewardType = "currency"
)

var (
	ErrUnknownRewardType = errors.New("unknown reward type")
	ErrRewardShape       = errors.New("reward fields do not match its type")
	ErrRewardValue       = errors.New("reward value out of range")
)

// Reward is the resolved prize: an inventory item or a currency amount.
// Only the fields of its Type are set.
type Reward struct {
	Type             RewardType `json:"type"`
	ID               string     `json:"id,omitempty"`
	DisplayName      string     `json:"display_name,omitempty"`
	Tier             string     `json:"tier,omitempty"`
	LiquidationValue int64      `json:"liquidation_value,omitempty"`
	ImageRef         string     `json:"image_ref,omitempty"`
	Amount           int64      `json:"amount,omitempty"`
}

// Item builds an item reward.
func Item(id, name, tier string, liquidationValue int64, imageRef string) Reward {
	return Reward{Type: RewardItem, ID: id, DisplayName: name, Tier: tier, LiquidationValue: liquidationValue, ImageRef: imageRef}
}

// Currency builds a currency reward.
func Currency(amount int64) Reward {
	return Reward{Type: RewardCurrency, Amount: amount}
}

// Validate checks the union is well formed and values lie in [0, max].
func (r Reward) Validate(max int64) error {
	switch r.Type {
	case RewardItem:
		if r.ID == "" || r.Amount != 0 {
			return ErrRewardShape
		}
		if r.LiquidationValue < 0 || r.LiquidationValue > max {
			return fmt.Errorf("%w: liquidation_value %d", ErrRewardValue, r.LiquidationValue)
		}
	case RewardCurrency:
		if r.ID != "" || r.LiquidationValue != 0 || r.DisplayName != "" {
			return ErrRewardShape
		}
		if r.Amount < 0 || r.Amount > max {
			return fmt.Errorf("%w: amount %d", ErrRewardValue, r.Amount)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRewardType, r.Type)
	}
	return nil
}

// Key is the identity used for reward-equivalence with a DisplayItem.
func (r Reward) Key() string {
	if r.Type == RewardCurrency {
		return fmt.Sprintf("currency:%d", r.Amount)
	}
	return "item:" + r.ID
}

// Value is what liquidating the reward credits.
func (r Reward) Value() int64 {
	if r.Type == RewardCurrency {
		return r.Amount
	}
	return r.LiquidationValue
}

// Name is a human label for either variant.
func (r Reward) Name() string {
	if r.Type == RewardCurrency {
		return fmt.Sprintf("%d coins", r.Amount)
	}
	return r.DisplayName
}

// DisplayItem is one slot of the roulette script. Display only.
type DisplayItem struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Tier     string `json:"tier,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
	Value    int64  `json:"value"`
}

// Display renders a reward as a roulette slot.
func (r Reward) Display() DisplayItem {
	return DisplayItem{
		Key:      r.Key(),
		Name:     r.Name(),
		Tier:     r.Tier,
		ImageRef: r.ImageRef,
		Value:    r.Value(),
	}
}

// ScriptConsistent reports whether winner indexes items and that slot is the reward.
func ScriptConsistent(items []DisplayItem, winner int, reward Reward) bool {
	if winner < 0 || winner >= len(items) {
		return false
	}
	return items[winner].Key == reward.Key()
}
