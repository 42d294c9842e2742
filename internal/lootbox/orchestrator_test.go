package lootbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lootcore/internal/anomaly"
	"github.com/mbd888/lootcore/internal/audit"
	"github.com/mbd888/lootcore/internal/privilege"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/rewards"
)

var sword = protocol.Item("sword", "Sword", "rare", 60, "items/sword.png")

// countingBackend wraps a real backend and counts calls. Hooks replace
// individual calls when set.
type countingBackend struct {
	Backend
	svc *rewards.Service

	opens, keeps, liquidates, fetches, lookups atomic.Int32

	openHook   func(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error)
	fetchHook  func(ctx context.Context, actorID string) (int64, error)
	lookupHook func(ctx context.Context, actorID, requestKey string) (*protocol.OpenResponse, error)
}

func (b *countingBackend) OpenContainer(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error) {
	b.opens.Add(1)
	if b.openHook != nil {
		return b.openHook(ctx, req)
	}
	return b.Backend.OpenContainer(ctx, req)
}

func (b *countingBackend) KeepReward(ctx context.Context, req protocol.KeepRequest) (*protocol.KeepResponse, error) {
	b.keeps.Add(1)
	return b.Backend.KeepReward(ctx, req)
}

func (b *countingBackend) LiquidateReward(ctx context.Context, req protocol.LiquidateRequest) (*protocol.LiquidateResponse, error) {
	b.liquidates.Add(1)
	return b.Backend.LiquidateReward(ctx, req)
}

func (b *countingBackend) LookupOutcome(ctx context.Context, actorID, requestKey string) (*protocol.OpenResponse, error) {
	b.lookups.Add(1)
	if b.lookupHook != nil {
		return b.lookupHook(ctx, actorID, requestKey)
	}
	return b.Backend.LookupOutcome(ctx, actorID, requestKey)
}

func (b *countingBackend) FetchBalance(ctx context.Context, actorID string) (int64, error) {
	b.fetches.Add(1)
	if b.fetchHook != nil {
		return b.fetchHook(ctx, actorID)
	}
	return b.Backend.FetchBalance(ctx, actorID)
}

// newStack wires an orchestrator to an in-process reward service selling a
// single-prize crate.
func newStack(t *testing.T, price, starting int64, cfg Config) (*Orchestrator, *countingBackend, *audit.MemorySink) {
	t.Helper()
	cat, err := rewards.NewCatalog([]rewards.Container{{
		ID: "crate", Name: "Crate", Price: price,
		Prizes: []rewards.Prize{{Reward: sword, Weight: 1}},
	}}, protocol.DefaultMaxRewardValue)
	require.NoError(t, err)

	svc := rewards.NewService(rewards.NewMemoryStore(), cat).WithStartingBalance(starting)
	backend := &countingBackend{Backend: rewards.NewDirect(svc), svc: svc}
	sink := audit.NewMemorySink()
	o := New(backend, cfg).WithAudit(sink)
	t.Cleanup(o.Close)
	return o, backend, sink
}

func owned(actor string) RewardRequest {
	return RewardRequest{ActorID: actor, ContainerID: "crate", PaymentMode: protocol.PaymentOwned}
}

func requireKind(t *testing.T, err error, want Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "not an orchestrator error: %v", err)
	require.Equal(t, want, e.Kind, "error: %v", err)
	return e
}

func TestOpenContainer_ResolvesAndReconciles(t *testing.T) {
	o, backend, sink := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	out, err := o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)
	assert.Equal(t, sword, out.Reward)
	assert.Equal(t, int64(0), out.NewBalance)
	assert.NotEmpty(t, out.RequestKey)
	assert.True(t, protocol.ScriptConsistent(out.Script, out.WinnerIndex, out.Reward))

	bal, known := o.Balance("alice")
	assert.True(t, known)
	assert.Equal(t, int64(0), bal)
	assert.Equal(t, StateResolved, o.State("alice"))
	assert.Equal(t, int32(1), backend.opens.Load())

	last, ok := o.LastOutcome("alice")
	require.True(t, ok)
	assert.Equal(t, out.RewardID, last.RewardID)
	require.NotNil(t, out.Reveal())
	assert.Equal(t, out.WinnerIndex, out.Reveal().WinnerIndex)

	assert.Len(t, sink.OfType(audit.EventOpenSucceeded), 1)
}

func TestOpenContainer_InsufficientFunds(t *testing.T) {
	o, _, _ := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	_, err := o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)

	_, err = o.OpenContainer(ctx, owned("alice"))
	e := requireKind(t, err, KindInsufficientFunds)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Equal(t, int64(100), e.Required)
	assert.Equal(t, int64(0), e.Current)
	assert.Contains(t, e.UserMessage(), "need 100, have 0")
	assert.Equal(t, StateFailed, o.State("alice"))
}

func TestOpenContainer_SingleFlight(t *testing.T) {
	o, backend, _ := newStack(t, 100, 1000, DefaultConfig())
	entered := make(chan struct{})
	release := make(chan struct{})
	direct := backend.Backend
	backend.openHook = func(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error) {
		close(entered)
		<-release
		return direct.OpenContainer(ctx, req)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = o.OpenContainer(context.Background(), owned("alice"))
	}()

	<-entered
	assert.Equal(t, StateRequesting, o.State("alice"))
	_, err := o.OpenContainer(context.Background(), owned("alice"))
	requireKind(t, err, KindBusy)

	// Other actors are not serialized behind alice.
	backend.openHook = nil
	_, err = o.OpenContainer(context.Background(), owned("bob"))
	require.NoError(t, err)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, int32(2), backend.opens.Load())

	// The slot is released once the first open resolves.
	_, err = o.OpenContainer(context.Background(), owned("alice"))
	require.NoError(t, err)
}

func TestOpenContainer_InvalidInputMakesNoCall(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	cases := []RewardRequest{
		{ActorID: "", ContainerID: "crate", PaymentMode: protocol.PaymentOwned},
		{ActorID: "alice", ContainerID: "", PaymentMode: protocol.PaymentOwned},
		{ActorID: "alice", ContainerID: "crate", PaymentMode: "gift"},
		{ActorID: "alice; drop", ContainerID: "crate", PaymentMode: protocol.PaymentOwned},
	}
	for _, req := range cases {
		_, err := o.OpenContainer(ctx, req)
		requireKind(t, err, KindInvalidInput)
	}
	assert.Equal(t, int32(0), backend.opens.Load())
}

func TestOpenContainer_RateLimitedMakesNoCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenLimit = Limit{MaxAttempts: 2, Window: time.Minute}
	o, backend, sink := newStack(t, 10, 1000, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := o.OpenContainer(ctx, owned("alice"))
		require.NoError(t, err)
	}
	_, err := o.OpenContainer(ctx, owned("alice"))
	e := requireKind(t, err, KindRateLimited)
	assert.Greater(t, e.RetryAfter, time.Duration(0))
	assert.False(t, e.ResetAt.IsZero())
	assert.Equal(t, StateRateLimited, o.State("alice"))

	assert.Equal(t, int32(2), backend.opens.Load())
	assert.Equal(t, 1, o.GetSecurityMetrics("alice").RateLimitViolations)
	assert.Len(t, sink.OfType(audit.EventRateLimited), 1)

	status := o.GetRateLimitStatus("alice", ActionOpen)
	assert.True(t, status.Blocked)
	assert.Equal(t, 1, status.ConsecutiveViolations)
}

func TestOpenContainer_AdministratorBypassesLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenLimit = Limit{MaxAttempts: 2, Window: time.Minute}
	o, backend, _ := newStack(t, 10, 1000, cfg)
	o.WithPolicy(privilege.NewStaticPolicy("root"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := o.OpenContainer(ctx, owned("root"))
		require.NoError(t, err, "open %d", i)
	}
	assert.Equal(t, int32(5), backend.opens.Load())
	assert.Equal(t, 0, o.GetSecurityMetrics("root").RateLimitViolations)
	assert.Equal(t, 0, o.GetRateLimitStatus("root", ActionOpen).AttemptCount)
}

func TestOpenContainer_PolicyConsultedOncePerOpen(t *testing.T) {
	o, _, _ := newStack(t, 10, 1000, DefaultConfig())
	var calls atomic.Int32
	o.WithPolicy(privilege.PolicyFunc(func(context.Context, string) privilege.Tier {
		calls.Add(1)
		return privilege.Standard
	}))

	_, err := o.OpenContainer(context.Background(), owned("alice"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenContainer_ServerRateLimit(t *testing.T) {
	o, backend, _ := newStack(t, 10, 1000, DefaultConfig())
	backend.openHook = func(context.Context, protocol.OpenRequest) (*protocol.OpenResponse, error) {
		return nil, &protocol.Failure{Code: protocol.CodeRateLimited, RetryAfter: 3 * time.Second}
	}

	_, err := o.OpenContainer(context.Background(), owned("alice"))
	e := requireKind(t, err, KindRateLimited)
	assert.Equal(t, 3*time.Second, e.RetryAfter)
	assert.Equal(t, 1, o.GetSecurityMetrics("alice").RateLimitViolations)
}

func TestOpenContainer_NetworkFailureBalanceUnchanged(t *testing.T) {
	o, backend, sink := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	_, err := o.RefreshBalance(ctx, "alice")
	require.NoError(t, err)

	backend.openHook = func(context.Context, protocol.OpenRequest) (*protocol.OpenResponse, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	_, err = o.OpenContainer(ctx, owned("alice"))
	e := requireKind(t, err, KindNetworkFailure)
	assert.False(t, e.BalanceChanged)
	assert.NotEmpty(t, e.RequestKey)
	assert.Equal(t, CommitNone, e.Committed)
	assert.Nil(t, e.Outcome)
	assert.Contains(t, e.UserMessage(), "Nothing was charged")
	assert.Equal(t, int32(1), backend.lookups.Load())
	assert.Equal(t, StateFailed, o.State("alice"))

	bal, _ := o.Balance("alice")
	assert.Equal(t, int64(100), bal)
	assert.Equal(t, int32(2), backend.fetches.Load())
	assert.Len(t, sink.OfType(audit.EventOpenFailed), 1)
}

func TestOpenContainer_NetworkFailureAfterCommit(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	_, err := o.RefreshBalance(ctx, "alice")
	require.NoError(t, err)

	commitThenDrop(backend)
	_, err = o.OpenContainer(ctx, owned("alice"))
	e := requireKind(t, err, KindNetworkFailure)
	assert.True(t, e.BalanceChanged)
	assert.Equal(t, CommitApplied, e.Committed)
	require.NotNil(t, e.Outcome)
	assert.Equal(t, sword, e.Outcome.Reward)
	assert.Equal(t, StateResolved, o.State("alice"))

	bal, _ := o.Balance("alice")
	assert.Equal(t, int64(0), bal)

	// The committed outcome is recoverable without opening again.
	backend.openHook = nil
	out, err := o.RecoverOutcome(ctx, "alice", e.RequestKey)
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, sword, out.Reward)
	assert.Equal(t, int32(1), backend.opens.Load())

	s, err := o.LiquidateReward(ctx, "alice", out.RewardID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), s.NewBalance)
}

// commitThenDrop makes the backend commit every open and then lose the
// response.
func commitThenDrop(backend *countingBackend) {
	direct := backend.Backend
	backend.openHook = func(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error) {
		if _, err := direct.OpenContainer(ctx, req); err != nil {
			return nil, err
		}
		return nil, errors.New("read tcp: connection reset by peer")
	}
}

func TestOpenContainer_NetworkFailureCommittedWithoutCachedBalance(t *testing.T) {
	o, backend, sink := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()
	commitThenDrop(backend)

	_, err := o.OpenContainer(ctx, owned("alice"))
	e := requireKind(t, err, KindNetworkFailure)
	assert.False(t, e.BalanceChanged, "nothing was cached to compare against")
	assert.Equal(t, CommitApplied, e.Committed)
	require.NotNil(t, e.Outcome)
	assert.Contains(t, e.UserMessage(), "went through")
	assert.NotContains(t, e.UserMessage(), "Nothing was charged")

	bal, known := o.Balance("alice")
	assert.True(t, known)
	assert.Equal(t, int64(0), bal)
	assert.Len(t, sink.OfType(audit.EventOutcomeRecovered), 1)

	// The adopted outcome settles without a recovery round trip.
	s, err := o.KeepReward(ctx, "alice", e.Outcome.RewardID)
	require.NoError(t, err)
	assert.False(t, s.Duplicate)
	assert.Equal(t, int32(1), backend.opens.Load())
}

func TestOpenContainer_NetworkFailureCommittedFreeOpen(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()
	_, err := backend.svc.GrantAllowance(ctx, "alice", protocol.PaymentFree, 1)
	require.NoError(t, err)
	_, err = o.RefreshBalance(ctx, "alice")
	require.NoError(t, err)
	commitThenDrop(backend)

	_, err = o.OpenContainer(ctx, RewardRequest{ActorID: "alice", ContainerID: "crate", PaymentMode: protocol.PaymentFree})
	e := requireKind(t, err, KindNetworkFailure)
	assert.False(t, e.BalanceChanged, "free opens leave the coin balance alone")
	assert.Equal(t, CommitApplied, e.Committed)
	require.NotNil(t, e.Outcome)
	assert.NotContains(t, e.UserMessage(), "Nothing was charged")

	last, ok := o.LastOutcome("alice")
	require.True(t, ok)
	assert.Equal(t, e.Outcome.RewardID, last.RewardID)
}

func TestOpenContainer_NetworkFailureUnconfirmed(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()
	_, err := o.RefreshBalance(ctx, "alice")
	require.NoError(t, err)

	backend.openHook = func(context.Context, protocol.OpenRequest) (*protocol.OpenResponse, error) {
		return nil, errors.New("i/o timeout")
	}
	backend.lookupHook = func(context.Context, string, string) (*protocol.OpenResponse, error) {
		return nil, errors.New("i/o timeout")
	}

	_, err = o.OpenContainer(ctx, owned("alice"))
	e := requireKind(t, err, KindNetworkFailure)
	assert.Equal(t, CommitUnknown, e.Committed)
	assert.Nil(t, e.Outcome)
	assert.False(t, e.BalanceChanged)
	assert.Contains(t, e.UserMessage(), "could not confirm")
	assert.NotContains(t, e.UserMessage(), "Nothing was charged")
	assert.Equal(t, int32(1), backend.opens.Load(), "the lookup must not open again")
}

func TestOpenContainer_HighValueDrawIsFlagged(t *testing.T) {
	o, _, sink := newStack(t, 10, 100, DefaultConfig())
	d := anomaly.NewDetector().WithThresholds(100, 50)
	o.WithDetector(d)

	_, err := o.OpenContainer(context.Background(), owned("alice"))
	require.NoError(t, err)

	assert.Equal(t, 1, o.GetSecurityMetrics("alice").SuspiciousActionCount)
	require.Len(t, sink.OfType(audit.EventAnomaly), 1)
	assert.Equal(t, ActionRewardDrawn, sink.OfType(audit.EventAnomaly)[0].Attributes["action"])
	assert.Equal(t, 1, d.Count("alice", ActionOpen))
	assert.Zero(t, d.Count("alice", ActionRewardDrawn), "the draw is not a second frequency event")
}

func TestOpenContainer_AdministratorDrawNotFlagged(t *testing.T) {
	o, _, _ := newStack(t, 10, 100, DefaultConfig())
	o.WithDetector(anomaly.NewDetector().WithThresholds(100, 50)).WithPolicy(privilege.NewStaticPolicy("root"))

	_, err := o.OpenContainer(context.Background(), owned("root"))
	require.NoError(t, err)
	assert.Zero(t, o.GetSecurityMetrics("root").SuspiciousActionCount)
}

func TestOpenContainer_CancelledContextStillResyncs(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	backend.openHook = func(ctx context.Context, req protocol.OpenRequest) (*protocol.OpenResponse, error) {
		cancel()
		return nil, ctx.Err()
	}
	_, err := o.OpenContainer(ctx, owned("alice"))
	requireKind(t, err, KindNetworkFailure)

	bal, known := o.Balance("alice")
	assert.True(t, known)
	assert.Equal(t, int64(100), bal)
}

func TestOpenContainer_InconsistentResponse(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	other := protocol.Currency(5)
	backend.openHook = func(context.Context, protocol.OpenRequest) (*protocol.OpenResponse, error) {
		return &protocol.OpenResponse{
			Success:        true,
			RewardID:       "rwd_x",
			Reward:         &sword,
			NewBalance:     0,
			RouletteItems:  []protocol.DisplayItem{other.Display(), other.Display()},
			WinnerPosition: 1,
		}, nil
	}

	_, err := o.OpenContainer(context.Background(), owned("alice"))
	e := requireKind(t, err, KindServerRejected)
	assert.Equal(t, "invalid_response", e.Code)
	assert.Equal(t, int32(1), backend.fetches.Load())

	_, ok := o.LastOutcome("alice")
	assert.False(t, ok)
}

func TestSettle_LiquidateIsIdempotent(t *testing.T) {
	o, backend, sink := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	out, err := o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)

	s, err := o.LiquidateReward(ctx, "alice", out.RewardID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), s.Credited)
	assert.Equal(t, int64(60), s.NewBalance)
	assert.False(t, s.Duplicate)

	again, err := o.LiquidateReward(ctx, "alice", out.RewardID)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(60), again.NewBalance)
	assert.Equal(t, int32(1), backend.liquidates.Load())

	_, err = o.KeepReward(ctx, "alice", out.RewardID)
	e := requireKind(t, err, KindServerRejected)
	assert.Equal(t, protocol.CodeAlreadyClaimed, e.Code)
	assert.Equal(t, int32(0), backend.keeps.Load())

	bal, _ := o.Balance("alice")
	assert.Equal(t, int64(60), bal)
	assert.Len(t, sink.OfType(audit.EventRewardLiquidated), 1)
}

func TestSettle_ConcurrentKeepsCallOnce(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	out, err := o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var dups atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := o.KeepReward(ctx, "alice", out.RewardID)
			if err == nil && s.Duplicate {
				dups.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), backend.keeps.Load())
	assert.Equal(t, int32(7), dups.Load())
}

func TestSettle_OtherActorsSettlementNotShared(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())
	ctx := context.Background()

	out, err := o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)
	_, err = o.KeepReward(ctx, "alice", out.RewardID)
	require.NoError(t, err)

	s, err := o.KeepReward(ctx, "mallory", out.RewardID)
	assert.Nil(t, s)
	e := requireKind(t, err, KindInvalidInput)
	assert.Equal(t, protocol.CodeNotFound, e.Code)

	_, err = o.LiquidateReward(ctx, "mallory", out.RewardID)
	requireKind(t, err, KindInvalidInput)
	assert.Equal(t, int32(1), backend.keeps.Load())
	assert.Equal(t, int32(0), backend.liquidates.Load())
}

func TestSettle_UnknownReward(t *testing.T) {
	o, backend, _ := newStack(t, 100, 100, DefaultConfig())

	_, err := o.KeepReward(context.Background(), "alice", "rwd_missing")
	e := requireKind(t, err, KindInvalidInput)
	assert.Equal(t, protocol.CodeNotFound, e.Code)

	_, err = o.LiquidateReward(context.Background(), "alice", "")
	requireKind(t, err, KindInvalidInput)
	assert.Equal(t, int32(0), backend.keeps.Load()+backend.liquidates.Load())
}

func TestSignOut_ClearsSessionState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenLimit = Limit{MaxAttempts: 1, Window: time.Minute}
	o, _, _ := newStack(t, 10, 1000, cfg)
	ctx := context.Background()

	out, err := o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)
	_, err = o.KeepReward(ctx, "alice", out.RewardID)
	require.NoError(t, err)
	_, err = o.OpenContainer(ctx, owned("alice"))
	requireKind(t, err, KindRateLimited)

	o.SignOut("alice")

	assert.Equal(t, StateIdle, o.State("alice"))
	_, ok := o.LastOutcome("alice")
	assert.False(t, ok)
	_, known := o.Balance("alice")
	assert.False(t, known)
	assert.Zero(t, o.GetSecurityMetrics("alice").RateLimitViolations)
	assert.Zero(t, o.GetRateLimitStatus("alice", ActionOpen).AttemptCount)

	// Prior settlements are forgotten along with their outcomes.
	_, err = o.KeepReward(ctx, "alice", out.RewardID)
	requireKind(t, err, KindInvalidInput)

	_, err = o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)
}

func TestCanAfford(t *testing.T) {
	o, _, _ := newStack(t, 100, 150, DefaultConfig())
	ctx := context.Background()

	assert.True(t, o.CanAfford("alice", 100), "unknown balance defers to the server")

	_, err := o.RefreshBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, o.CanAfford("alice", 100))

	_, err = o.OpenContainer(ctx, owned("alice"))
	require.NoError(t, err)
	assert.False(t, o.CanAfford("alice", 100))
}
