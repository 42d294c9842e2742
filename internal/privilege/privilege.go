// Package privilege decides which actors are exempt from fair-play controls.
// Protected operations consult a Policy exactly once, at their top, and pass
// the resulting Tier down instead of threading booleans through components.
package privilege

import (
	"context"
	"strings"
	"sync"
)

// Tier is an actor's privilege level.
type Tier int

const (
	Standard Tier = iota
	Administrator
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case Administrator:
		return "administrator"
	default:
		return "standard"
	}
}

// Exempt reports whether the tier bypasses rate limiting, anomaly
// detection and security metrics.
func (t Tier) Exempt() bool {
	return t == Administrator
}

// Policy resolves an actor's tier.
type Policy interface {
	TierOf(ctx context.Context, actorID string) Tier
}

// StaticPolicy grants Administrator to a fixed set of actors.
type StaticPolicy struct {
	mu     sync.RWMutex
	admins map[string]struct{}
}

// NewStaticPolicy creates a policy from a list of admin actor IDs.
func NewStaticPolicy(admins ...string) *StaticPolicy {
	p := &StaticPolicy{admins: make(map[string]struct{}, len(admins))}
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			p.admins[a] = struct{}{}
		}
	}
	return p
}

// ParseAdmins builds a StaticPolicy from a comma-separated list.
func ParseAdmins(csv string) *StaticPolicy {
	return NewStaticPolicy(strings.Split(csv, ",")...)
}

// TierOf implements Policy.
func (p *StaticPolicy) TierOf(_ context.Context, actorID string) Tier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.admins[actorID]; ok {
		return Administrator
	}
	return Standard
}

// Grant makes actorID an administrator.
func (p *StaticPolicy) Grant(actorID string) {
	p.mu.Lock()
	p.admins[actorID] = struct{}{}
	p.mu.Unlock()
}

// Revoke removes actorID's administrator tier.
func (p *StaticPolicy) Revoke(actorID string) {
	p.mu.Lock()
	delete(p.admins, actorID)
	p.mu.Unlock()
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, actorID string) Tier

// TierOf implements Policy.
func (f PolicyFunc) TierOf(ctx context.Context, actorID string) Tier { return f(ctx, actorID) }
