package rewards

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lootcore/internal/anomaly"
	"github.com/mbd888/lootcore/internal/metrics"
	"github.com/mbd888/lootcore/internal/protocol"
	"github.com/mbd888/lootcore/internal/ratelimit"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMetrics_Settlements(t *testing.T) {
	svc, _, _ := newTestService(t, 100, sword, 200)
	ctx := context.Background()

	okSeries := metrics.SettlementsTotal.WithLabelValues(ActionLiquidate, "ok")
	dupSeries := metrics.SettlementsTotal.WithLabelValues(ActionLiquidate, "duplicate")
	claimedSeries := metrics.SettlementsTotal.WithLabelValues(ActionKeep, protocol.CodeAlreadyClaimed)
	credited := metrics.CoinsCreditedTotal.WithLabelValues(ActionLiquidate)
	okBefore, dupBefore := counterValue(t, okSeries), counterValue(t, dupSeries)
	claimedBefore, creditedBefore := counterValue(t, claimedSeries), counterValue(t, credited)

	res, err := svc.OpenContainer(ctx, openReq("metrics_settler", "req_1"))
	require.NoError(t, err)
	liq := protocol.LiquidateRequest{ActorID: "metrics_settler", RewardRef: res.Record.ID, ExpectedValue: 60}
	_, err = svc.LiquidateReward(ctx, liq)
	require.NoError(t, err)
	_, err = svc.LiquidateReward(ctx, liq)
	require.NoError(t, err)
	_, err = svc.KeepReward(ctx, protocol.KeepRequest{ActorID: "metrics_settler", RewardRef: res.Record.ID})
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	assert.Equal(t, okBefore+1, counterValue(t, okSeries))
	assert.Equal(t, dupBefore+1, counterValue(t, dupSeries))
	assert.Equal(t, claimedBefore+1, counterValue(t, claimedSeries))
	assert.Equal(t, creditedBefore+60, counterValue(t, credited), "a duplicate credits nothing")
}

func TestMetrics_ReplaysAndDenials(t *testing.T) {
	svc, _, _ := newTestService(t, 1, sword, 100)
	limiter := ratelimit.New(ratelimit.Config{BlockDuration: time.Minute, ViolationTTL: time.Hour})
	defer limiter.Stop()
	svc.WithThrottle(ratelimit.NewLocalWindow(limiter, "server"), Limits{Open: 1, Settle: 1, Window: time.Minute})
	ctx := context.Background()

	denied := metrics.RateLimitDenialsTotal.WithLabelValues(ActionOpen)
	deniedBefore, replaysBefore := counterValue(t, denied), counterValue(t, metrics.OpenReplaysTotal)

	_, err := svc.OpenContainer(ctx, openReq("metrics_throttled", "req_1"))
	require.NoError(t, err)
	_, err = svc.OpenContainer(ctx, openReq("metrics_throttled", "req_2"))
	require.Error(t, err)
	_, err = svc.OpenContainer(ctx, openReq("metrics_throttled", "req_1"))
	require.NoError(t, err)

	assert.Equal(t, deniedBefore+1, counterValue(t, denied))
	assert.Equal(t, replaysBefore+1, counterValue(t, metrics.OpenReplaysTotal))
}

func TestMetrics_AnomalyFlags(t *testing.T) {
	svc, _, _ := newTestService(t, 10, sword, 100)
	svc.WithDetector(anomaly.NewDetector().WithThresholds(100, 50))

	flags := metrics.AnomalyFlagsTotal.WithLabelValues(anomaly.ReasonHighValue)
	before := counterValue(t, flags)

	_, err := svc.OpenContainer(context.Background(), openReq("metrics_lucky", "req_1"))
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, flags))
}
