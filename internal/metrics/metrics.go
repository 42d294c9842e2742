// Package metrics provides Prometheus instrumentation for lootcore.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootcore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lootcore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OpensTotal counts container opens by result code ("ok" on success).
	OpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootcore",
			Name:      "opens_total",
			Help:      "Total container opens by container and result.",
		},
		[]string{"container", "result"},
	)

	// OpenReplaysTotal counts opens answered from an earlier commit.
	OpenReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lootcore",
		Name:      "open_replays_total",
		Help:      "Total opens replayed by idempotency key.",
	})

	// SettlementsTotal counts keep/liquidate/auto-keep settlements.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootcore",
			Name:      "settlements_total",
			Help:      "Total reward settlements by action and result.",
		},
		[]string{"action", "result"},
	)

	// RateLimitDenialsTotal counts throttled calls by action.
	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootcore",
			Name:      "rate_limit_denials_total",
			Help:      "Total calls denied by the authoritative throttle.",
		},
		[]string{"action"},
	)

	// AnomalyFlagsTotal counts anomaly signals by reason.
	AnomalyFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootcore",
			Name:      "anomaly_flags_total",
			Help:      "Total anomaly signals raised by reason.",
		},
		[]string{"reason"},
	)

	// RewardValue observes the value of drawn rewards.
	RewardValue = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lootcore",
		Name:      "reward_value",
		Help:      "Distribution of drawn reward values in coins.",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 100000},
	})

	// CoinsCreditedTotal sums coins credited by source.
	CoinsCreditedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lootcore",
			Name:      "coins_credited_total",
			Help:      "Total coins credited by source (keep, liquidate, auto_keep, admin).",
		},
		[]string{"source"},
	)

	// ActiveWebSocketClients tracks connected drop feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lootcore",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootcore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootcore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootcore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootcore", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootcore", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lootcore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OpensTotal,
		OpenReplaysTotal,
		SettlementsTotal,
		RateLimitDenialsTotal,
		AnomalyFlagsTotal,
		RewardValue,
		CoinsCreditedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
