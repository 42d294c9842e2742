package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	h, ok := o.(prometheus.Metric)
	require.True(t, ok)
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}

// family gathers the default registry and returns the named family.
func family(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not registered", name)
	return nil
}

func labelNames(m *dto.Metric) []string {
	names := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		names = append(names, l.GetName())
	}
	return names
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{101, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{409, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{504, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestDomainCollectorsRegistered(t *testing.T) {
	OpensTotal.WithLabelValues("gather_crate", "ok").Inc()
	SettlementsTotal.WithLabelValues("keep", "ok").Inc()
	RateLimitDenialsTotal.WithLabelValues("open_container").Inc()
	AnomalyFlagsTotal.WithLabelValues("high_value").Inc()
	CoinsCreditedTotal.WithLabelValues("liquidate").Add(60)
	RewardValue.Observe(60)
	OpenReplaysTotal.Inc()

	tests := []struct {
		name   string
		typ    dto.MetricType
		labels []string
	}{
		{"lootcore_opens_total", dto.MetricType_COUNTER, []string{"container", "result"}},
		{"lootcore_settlements_total", dto.MetricType_COUNTER, []string{"action", "result"}},
		{"lootcore_rate_limit_denials_total", dto.MetricType_COUNTER, []string{"action"}},
		{"lootcore_anomaly_flags_total", dto.MetricType_COUNTER, []string{"reason"}},
		{"lootcore_coins_credited_total", dto.MetricType_COUNTER, []string{"source"}},
		{"lootcore_reward_value", dto.MetricType_HISTOGRAM, []string{}},
		{"lootcore_open_replays_total", dto.MetricType_COUNTER, []string{}},
		{"lootcore_active_websocket_clients", dto.MetricType_GAUGE, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf := family(t, tt.name)
			assert.Equal(t, tt.typ, mf.GetType())
			require.NotEmpty(t, mf.GetMetric())
			assert.ElementsMatch(t, tt.labels, labelNames(mf.GetMetric()[0]))
		})
	}
}

func TestDomainCollectorsRejectWrongLabels(t *testing.T) {
	_, err := OpensTotal.GetMetricWithLabelValues("crate")
	assert.Error(t, err)
	_, err = AnomalyFlagsTotal.GetMetricWithLabelValues("high_value", "extra")
	assert.Error(t, err)
}

func TestRewardValueBuckets(t *testing.T) {
	before := histogramCount(t, RewardValue)
	RewardValue.Observe(250)
	assert.Equal(t, before+1, histogramCount(t, RewardValue))

	mf := family(t, "lootcore_reward_value")
	var bounds []float64
	for _, b := range mf.GetMetric()[0].GetHistogram().GetBucket() {
		bounds = append(bounds, b.GetUpperBound())
	}
	assert.Contains(t, bounds, float64(100000), "bucket for the highest-value rewards")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/rewards/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	ok := HTTPRequestsTotal.WithLabelValues("GET", "/v1/rewards/:id", "4xx")
	before := counterValue(t, ok)
	beforeLatency := histogramCount(t, HTTPRequestDuration.WithLabelValues("GET", "/v1/rewards/:id"))

	for _, id := range []string{"rwd_a", "rwd_b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/rewards/"+id, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, before+2, counterValue(t, ok), "both ids share one series")
	assert.Equal(t, beforeLatency+2, histogramCount(t, HTTPRequestDuration.WithLabelValues("GET", "/v1/rewards/:id")))
}

func TestHandler_ExposesDomainSeries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	OpensTotal.WithLabelValues("exposed_crate", "insufficient_funds").Inc()
	ActiveWebSocketClients.Set(3)
	t.Cleanup(func() { ActiveWebSocketClients.Set(0) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `lootcore_opens_total{container="exposed_crate",result="insufficient_funds"} 1`)
	assert.Contains(t, body, "lootcore_active_websocket_clients 3")
	assert.Contains(t, body, "lootcore_goroutines")
}
