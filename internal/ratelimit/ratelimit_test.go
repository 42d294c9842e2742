package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return New(Config{BlockDuration: 30 * time.Second}).WithClock(clock.Now)
}

func TestCheckAndConsume_ElevenAttempts(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 1; i <= 10; i++ {
		d := l.CheckAndConsume("player_1", "open_container", 10, time.Minute)
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i)
		}
		if d.Remaining != 10-i {
			t.Errorf("attempt %d: remaining = %d, want %d", i, d.Remaining, 10-i)
		}
		clock.Advance(time.Second)
	}

	d := l.CheckAndConsume("player_1", "open_container", 10, time.Minute)
	if d.Allowed {
		t.Fatal("11th attempt should be denied")
	}
	if d.Reason != ReasonLimitExceeded {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonLimitExceeded)
	}
	if !d.ResetAt.After(clock.Now()) {
		t.Errorf("resetAt %v should be in the future", d.ResetAt)
	}
	if got := d.RetryAfter(clock.Now()); got != 30*time.Second {
		t.Errorf("retry after = %v, want 30s", got)
	}
}

func TestCheckAndConsume_BlockedUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.CheckAndConsume("a", "open_container", 1, time.Minute)
	first := l.CheckAndConsume("a", "open_container", 1, time.Minute)
	if first.Allowed {
		t.Fatal("second attempt should be denied")
	}

	clock.Advance(10 * time.Second)
	d := l.CheckAndConsume("a", "open_container", 1, time.Minute)
	if d.Allowed || d.Reason != ReasonBlocked {
		t.Fatalf("expected blocked decision, got %+v", d)
	}
	if !d.ResetAt.Equal(first.ResetAt) {
		t.Errorf("resetAt while blocked = %v, want %v", d.ResetAt, first.ResetAt)
	}

	clock.Advance(20 * time.Second)
	if d := l.CheckAndConsume("a", "open_container", 1, time.Minute); !d.Allowed {
		t.Fatalf("expected allowed once block expired, got %+v", d)
	}
	s, _ := l.Status("a", "open_container")
	if !s.BlockedUntil.IsZero() {
		t.Error("blockedUntil should be cleared after expiry")
	}
}

func TestCheckAndConsume_Escalation(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	const max = 10

	var allowedPerCycle []int
	var blockedUntil []time.Time
	var blockLengths []time.Duration

	for cycle := 0; cycle < 6; cycle++ {
		allowed := 0
		for {
			d := l.CheckAndConsume("bot", "open_container", max, time.Minute)
			if !d.Allowed {
				blockedUntil = append(blockedUntil, d.ResetAt)
				blockLengths = append(blockLengths, d.ResetAt.Sub(clock.Now()))
				break
			}
			allowed++
		}
		allowedPerCycle = append(allowedPerCycle, allowed)
		s, _ := l.Status("bot", "open_container")
		clock.Advance(s.BlockedUntil.Sub(clock.Now()))
	}

	want := []int{10, 10, 9, 9, 8, 8}
	for i := range want {
		if allowedPerCycle[i] != want[i] {
			t.Errorf("cycle %d allowed %d, want %d", i, allowedPerCycle[i], want[i])
		}
	}
	for i := 1; i < len(blockedUntil); i++ {
		if blockedUntil[i].Before(blockedUntil[i-1]) {
			t.Errorf("blockedUntil decreased at violation %d", i)
		}
		if blockLengths[i] <= blockLengths[i-1] {
			t.Errorf("block length did not grow: %v then %v", blockLengths[i-1], blockLengths[i])
		}
	}
	if blockLengths[1] != 45*time.Second {
		t.Errorf("second block = %v, want 45s", blockLengths[1])
	}
}

func TestCheckAndConsume_EffectiveMaxFloor(t *testing.T) {
	s := State{ConsecutiveViolations: 40}
	if got := s.EffectiveMax(3); got != 1 {
		t.Errorf("EffectiveMax = %d, want 1", got)
	}
	if got := (State{ConsecutiveViolations: 3}).EffectiveMax(10); got != 9 {
		t.Errorf("EffectiveMax = %d, want 9", got)
	}
}

func TestCheckAndConsume_WindowReset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		l.CheckAndConsume("a", "keep_reward", 3, time.Minute)
	}
	clock.Advance(time.Minute)

	d := l.CheckAndConsume("a", "keep_reward", 3, time.Minute)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestCheckAndConsume_ViolationMemoryDecays(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{BlockDuration: time.Second, ViolationTTL: time.Hour}).WithClock(clock.Now)

	for v := 0; v < 4; v++ {
		for l.CheckAndConsume("a", "open_container", 2, time.Minute).Allowed {
		}
		clock.Advance(time.Minute)
	}
	s, _ := l.Status("a", "open_container")
	if s.ConsecutiveViolations != 4 {
		t.Fatalf("expected 4 violations, got %d", s.ConsecutiveViolations)
	}

	clock.Advance(2 * time.Hour)
	l.CheckAndConsume("a", "open_container", 2, time.Minute)
	s, _ = l.Status("a", "open_container")
	if s.ConsecutiveViolations != 0 {
		t.Errorf("expected violation memory to decay, got %d", s.ConsecutiveViolations)
	}
}

func TestCheckAndConsume_KeysIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.CheckAndConsume("a", "open_container", 1, time.Minute)
	if l.CheckAndConsume("a", "open_container", 1, time.Minute).Allowed {
		t.Fatal("a/open should be limited")
	}
	if !l.CheckAndConsume("a", "liquidate_reward", 1, time.Minute).Allowed {
		t.Error("a/liquidate should be independent")
	}
	if !l.CheckAndConsume("b", "open_container", 1, time.Minute).Allowed {
		t.Error("b/open should be independent")
	}
}

func TestCheckAndConsume_Concurrent(t *testing.T) {
	l := New(Config{BlockDuration: time.Hour})
	defer l.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndConsume("a", "open_container", 50, time.Hour).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want exactly 50", allowed)
	}
}

func TestStatusAndReset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	if _, ok := l.Status("a", "open_container"); ok {
		t.Fatal("unknown key should report !ok")
	}
	l.CheckAndConsume("a", "open_container", 5, time.Minute)
	l.CheckAndConsume("a", "keep_reward", 5, time.Minute)
	l.CheckAndConsume("b", "open_container", 5, time.Minute)

	s, ok := l.Status("a", "open_container")
	if !ok || s.AttemptCount != 1 {
		t.Fatalf("unexpected status %+v ok=%v", s, ok)
	}
	s2, _ := l.Status("a", "open_container")
	if s2.AttemptCount != 1 {
		t.Error("Status must not consume attempts")
	}

	l.Reset("a")
	if l.Len() != 1 {
		t.Errorf("expected only b to remain, have %d keys", l.Len())
	}
}

func TestSweep_DropsIdleKeys(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{BlockDuration: 3 * time.Hour, IdleTTL: time.Hour}).WithClock(clock.Now)

	l.CheckAndConsume("idle", "open_container", 5, time.Minute)
	l.CheckAndConsume("blocked", "open_container", 1, time.Minute)
	l.CheckAndConsume("blocked", "open_container", 1, time.Minute)

	clock.Advance(2 * time.Hour)
	l.sweep()

	if _, ok := l.Status("idle", "open_container"); ok {
		t.Error("idle key should be swept")
	}
	if _, ok := l.Status("blocked", "open_container"); !ok {
		t.Error("blocked key must survive sweeping")
	}
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
