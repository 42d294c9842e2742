// Package health aggregates subsystem checks for /health. A failing
// critical check (the database) makes the service unhealthy; a failing
// optional one (throttle store, audit stream) only degrades it, since
// those paths fail open.
package health

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Aggregate states.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the aggregate result of one CheckAll.
type Report struct {
	State  string   `json:"status"`
	Checks []Status `json:"checks"`
}

// Healthy reports whether the service can serve opens.
func (r Report) Healthy() bool { return r.State != StateUnhealthy }

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, critical: true, check: check})
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. Results keep registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	rep := Report{State: StateHealthy, Checks: make([]Status, len(checkers))}
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.Critical = nc.critical
			rep.Checks[i] = st
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range rep.Checks {
		switch {
		case st.Healthy:
		case st.Critical:
			rep.State = StateUnhealthy
		case rep.State == StateHealthy:
			rep.State = StateDegraded
		}
	}
	return rep
}
