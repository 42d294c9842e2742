package rewards

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/lootcore/internal/protocol"
)

const (
	DefaultScriptLength   = 50
	DefaultWinnerPosition = 42
)

// Selector draws prizes and builds roulette scripts.
type Selector struct {
	scriptLength   int
	winnerPosition int
	intn           func(n int64) (int64, error)
}

// NewSelector returns a selector. Out-of-range values fall back to the
// defaults.
func NewSelector(scriptLength, winnerPosition int) *Selector {
	if scriptLength <= 0 {
		scriptLength = DefaultScriptLength
	}
	if winnerPosition < 0 || winnerPosition >= scriptLength {
		winnerPosition = DefaultWinnerPosition
		if winnerPosition >= scriptLength {
			winnerPosition = scriptLength - 1
		}
	}
	return &Selector{scriptLength: scriptLength, winnerPosition: winnerPosition, intn: cryptoIntn}
}

func cryptoIntn(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

// Pick draws one prize by weight.
func (s *Selector) Pick(c *Container) (protocol.Reward, error) {
	var total int64
	for _, p := range c.Prizes {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	if total <= 0 {
		return protocol.Reward{}, errors.New("rewards: container has no drawable prizes")
	}
	idx, err := s.intn(total)
	if err != nil {
		return protocol.Reward{}, fmt.Errorf("rewards: draw: %w", err)
	}
	var cum int64
	for _, p := range c.Prizes {
		if p.Weight <= 0 {
			continue
		}
		cum += p.Weight
		if idx < cum {
			return p.Reward, nil
		}
	}
	return c.Prizes[len(c.Prizes)-1].Reward, nil
}

// Script builds the roulette strip: weighted decoys with winner at the
// fixed winner position.
func (s *Selector) Script(c *Container, winner protocol.Reward) ([]protocol.DisplayItem, int, error) {
	items := make([]protocol.DisplayItem, s.scriptLength)
	for i := range items {
		if i == s.winnerPosition {
			items[i] = winner.Display()
			continue
		}
		decoy, err := s.Pick(c)
		if err != nil {
			return nil, 0, err
		}
		items[i] = decoy.Display()
	}
	return items, s.winnerPosition, nil
}

// Draw picks a prize and builds its script.
func (s *Selector) Draw(c *Container) (protocol.Reward, []protocol.DisplayItem, int, error) {
	r, err := s.Pick(c)
	if err != nil {
		return protocol.Reward{}, nil, 0, err
	}
	items, pos, err := s.Script(c, r)
	if err != nil {
		return protocol.Reward{}, nil, 0, err
	}
	return r, items, pos, nil
}
