package rewards

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/lootcore/internal/pagination"
	"github.com/mbd888/lootcore/internal/protocol"
)

type requestRef struct {
	actorID    string
	requestKey string
}

// MemoryStore is an in-memory store for demo/development mode. A single
// lock makes every operation serializable.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*Account
	rewards   map[string]*Record
	byRequest map[requestRef]string
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*Account),
		rewards:   make(map[string]*Record),
		byRequest: make(map[requestRef]string),
		now:       time.Now,
	}
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Script = append([]protocol.DisplayItem(nil), r.Script...)
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func copyAccount(a *Account) *Account {
	cp := *a
	return &cp
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, actorID string, startingBalance int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[actorID]
	if !ok {
		a = &Account{ActorID: actorID, Balance: startingBalance, UpdatedAt: m.now()}
		m.accounts[actorID] = a
	}
	return copyAccount(a), nil
}

func (m *MemoryStore) Account(ctx context.Context, actorID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[actorID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (m *MemoryStore) account(actorID string) *Account {
	a, ok := m.accounts[actorID]
	if !ok {
		a = &Account{ActorID: actorID}
		m.accounts[actorID] = a
	}
	return a
}

func (m *MemoryStore) Credit(ctx context.Context, actorID string, amount int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(actorID)
	if a.Balance+amount < 0 {
		return nil, &FundsError{Err: ErrInsufficientFunds, Required: -amount, Current: a.Balance}
	}
	a.Balance += amount
	a.UpdatedAt = m.now()
	return copyAccount(a), nil
}

func (m *MemoryStore) GrantAllowance(ctx context.Context, actorID string, mode protocol.PaymentMode, n int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(actorID)
	switch mode {
	case protocol.PaymentFree:
		a.FreeOpens += n
	case protocol.PaymentAdViewed:
		a.AdCredits += n
	default:
		return nil, ErrInvalidInput
	}
	a.UpdatedAt = m.now()
	return copyAccount(a), nil
}

func (m *MemoryStore) Open(ctx context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := requestRef{rec.ActorID, rec.RequestKey}
	if id, ok := m.byRequest[ref]; ok {
		return copyRecord(m.rewards[id]), true, nil
	}

	var current Account
	if a, ok := m.accounts[rec.ActorID]; ok {
		current = *a
	}
	next, err := charge(current, rec.PaymentMode, rec.Price)
	if err != nil {
		return nil, false, err
	}
	next.ActorID = rec.ActorID
	next.UpdatedAt = m.now()
	m.accounts[rec.ActorID] = &next

	stored := copyRecord(rec)
	stored.Status = StatusPending
	stored.BalanceAfter = next.Balance
	m.rewards[stored.ID] = stored
	m.byRequest[ref] = stored.ID
	return copyRecord(stored), false, nil
}

func (m *MemoryStore) Settle(ctx context.Context, p SettleParams) (*Record, *Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rewards[p.RewardID]
	if !ok || r.ActorID != p.ActorID {
		return nil, nil, false, ErrRewardNotFound
	}
	a := m.account(p.ActorID)

	if r.Status != StatusPending {
		if sameSettlement(r.Status, p.Status) {
			return copyRecord(r), copyAccount(a), true, nil
		}
		return nil, nil, false, ErrAlreadyClaimed
	}

	at := p.At
	r.Status = p.Status
	r.Credited = p.Credit
	r.SettledAt = &at
	a.Balance += p.Credit
	a.UpdatedAt = at
	return copyRecord(r), copyAccount(a), false, nil
}

func (m *MemoryStore) Reward(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rewards[id]
	if !ok {
		return nil, ErrRewardNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) RewardByRequestKey(ctx context.Context, actorID, requestKey string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRequest[requestRef{actorID, requestKey}]
	if !ok {
		return nil, ErrRewardNotFound
	}
	return copyRecord(m.rewards[id]), nil
}

func (m *MemoryStore) ListByActor(ctx context.Context, actorID string, after *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.rewards {
		if r.ActorID != actorID {
			continue
		}
		if after != nil && !after.Precedes(r.CreatedAt, r.ID) {
			continue
		}
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.rewards {
		if r.Status == StatusPending && r.CreatedAt.Before(before) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
