package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lootcore/internal/balance"
	"github.com/mbd888/lootcore/internal/circuitbreaker"
	"github.com/mbd888/lootcore/internal/lootbox"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/rewards"
)

var (
	_ lootbox.Backend = (*Client)(nil)
	_ balance.Fetcher = (*Client)(nil)
)

var gem = protocol.Item("gem", "Gem", "epic", 80, "items/gem.png")

func newRewardServer(t *testing.T, starting int64) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat, err := rewards.NewCatalog([]rewards.Container{{
		ID: "crate", Name: "Crate", Price: 100,
		Prizes: []rewards.Prize{{Reward: gem, Weight: 1}},
	}}, protocol.DefaultMaxRewardValue)
	require.NoError(t, err)
	svc := rewards.NewService(rewards.NewMemoryStore(), cat).WithStartingBalance(starting)

	r := gin.New()
	rewards.NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_RoundTrip(t *testing.T) {
	srv := newRewardServer(t, 100)
	c := New(Config{BaseURL: srv.URL + "/"})
	ctx := context.Background()

	bal, err := c.FetchBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	containers, err := c.Containers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "crate", containers[0].ID)

	open, err := c.OpenContainer(ctx, protocol.OpenRequest{
		ActorID: "alice", ContainerID: "crate", PaymentMode: protocol.PaymentOwned, RequestKey: "req_rt1",
	})
	require.NoError(t, err)
	assert.True(t, open.Success)
	assert.Equal(t, gem.Key(), open.Reward.Key())

	found, err := c.LookupOutcome(ctx, "alice", "req_rt1")
	require.NoError(t, err)
	assert.Equal(t, open.RewardID, found.RewardID)
	assert.True(t, found.Replayed)

	liq, err := c.LiquidateReward(ctx, protocol.LiquidateRequest{ActorID: "alice", RewardRef: open.RewardID, ExpectedValue: 80})
	require.NoError(t, err)
	assert.Equal(t, int64(80), liq.NewBalance)

	_, err = c.KeepReward(ctx, protocol.KeepRequest{ActorID: "alice", RewardRef: open.RewardID})
	var f *protocol.Failure
	require.True(t, errors.As(err, &f), "got %v", err)
	assert.Equal(t, protocol.CodeAlreadyClaimed, f.Code)
}

func TestClient_InsufficientFundsIsFailure(t *testing.T) {
	srv := newRewardServer(t, 40)
	c := New(Config{BaseURL: srv.URL})

	_, err := c.OpenContainer(context.Background(), protocol.OpenRequest{
		ActorID: "bob", ContainerID: "crate", PaymentMode: protocol.PaymentOwned, RequestKey: "req_if1",
	})
	var f *protocol.Failure
	require.True(t, errors.As(err, &f), "got %v", err)
	assert.Equal(t, protocol.CodeInsufficientFunds, f.Code)
	assert.Equal(t, int64(100), f.Required)
	assert.Equal(t, int64(40), f.Current)
}

func TestClient_TransportErrors(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch status.Load() {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("<html>nope</html>"))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"balance": `))
		}
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, BreakerThreshold: 100})
	ctx := context.Background()

	_, err := c.FetchBalance(ctx, "alice")
	assert.ErrorIs(t, err, ErrBadResponse)

	status.Store(1)
	_, err = c.FetchBalance(ctx, "alice")
	assert.ErrorIs(t, err, ErrServer)

	status.Store(2)
	_, err = c.FetchBalance(ctx, "alice")
	assert.ErrorIs(t, err, ErrBadResponse)
	var f *protocol.Failure
	assert.False(t, errors.As(err, &f))
}

func TestClient_TimeoutIsTransportFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.FetchBalance(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestClient_BreakerFailsFastWithoutRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BreakerThreshold: 2, BreakerCooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.FetchBalance(ctx, "alice")
		assert.ErrorIs(t, err, ErrServer)
	}
	assert.Equal(t, int32(2), hits.Load(), "one request per call")

	_, err := c.FetchBalance(ctx, "alice")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, circuitbreaker.StateOpen, c.Breaker().State(breakerKey))
}

func TestClient_BusinessFailuresDoNotTripBreaker(t *testing.T) {
	srv := newRewardServer(t, 0)
	c := New(Config{BaseURL: srv.URL, BreakerThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.LookupOutcome(ctx, "alice", "req_missing")
		var f *protocol.Failure
		require.True(t, errors.As(err, &f), "got %v", err)
		assert.Equal(t, protocol.CodeNotFound, f.Code)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State(breakerKey))
}

func TestClient_DrivesOrchestrator(t *testing.T) {
	srv := newRewardServer(t, 100)
	o := lootbox.New(New(Config{BaseURL: srv.URL}), lootbox.DefaultConfig())
	defer o.Close()
	ctx := context.Background()

	out, err := o.OpenContainer(ctx, lootbox.RewardRequest{ActorID: "carol", ContainerID: "crate", PaymentMode: protocol.PaymentOwned})
	require.NoError(t, err)
	assert.Equal(t, gem.Key(), out.Reward.Key())

	_, err = o.OpenContainer(ctx, lootbox.RewardRequest{ActorID: "carol", ContainerID: "crate", PaymentMode: protocol.PaymentOwned})
	kind, ok := lootbox.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, lootbox.KindInsufficientFunds, kind)

	s, err := o.LiquidateReward(ctx, "carol", out.RewardID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), s.NewBalance)
	bal, _ := o.Balance("carol")
	assert.Equal(t, int64(80), bal)
}
