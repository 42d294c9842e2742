// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/lootcore/internal/anomaly"
	"github.com/mbd888/lootcore/internal/audit"
	"github.com/mbd888/lootcore/internal/config"
	"github.com/mbd888/lootcore/internal/health"
	"github.com/mbd888/lootcore/internal/logging"
	"github.com/mbd888/lootcore/internal/metrics"
	"github.com/mbd888/lootcore/internal/ratelimit"
	"github.com/mbd888/lootcore/internal/realtime"
	"github.com/mbd888/lootcore/internal/rewards"
	"github.com/mbd888/lootcore/internal/security"
	"github.com/mbd888/lootcore/internal/traces"
	"github.com/mbd888/lootcore/internal/validation"
)

// Version is reported by / and /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	catalog       *rewards.Catalog
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil if using the local throttle
	nats          *nats.Conn    // nil if audit goes to logs only
	natsSink      *audit.NATSSink
	rewardStore   rewards.Store
	anomalyStore  anomaly.Store
	rewards       *rewards.Service
	autoKeep      *rewards.Timer
	realtimeHub   *realtime.Hub
	httpLimiter   *ratelimit.Limiter
	throttleLocal *ratelimit.Limiter // nil if Redis is configured
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCatalog overrides the configured catalog (for testing)
func WithCatalog(c *rewards.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if s.catalog == nil {
		if cfg.CatalogPath != "" {
			cat, err := rewards.LoadCatalog(cfg.CatalogPath, cfg.MaxRewardValue)
			if err != nil {
				return nil, err
			}
			s.catalog = cat
			s.logger.Info("catalog loaded", "path", cfg.CatalogPath)
		} else {
			s.catalog = rewards.DefaultCatalog()
			s.logger.Info("using built-in catalog")
		}
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.rewardStore = rewards.NewPostgresStore(db)
		s.anomalyStore = anomaly.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.rewardStore = rewards.NewMemoryStore()
		s.anomalyStore = anomaly.NewMemoryStore()
		s.logger.Warn("using in-memory storage; balances are lost on restart")
	}

	// Authoritative throttle (Redis shared window, otherwise per-process)
	var throttle ratelimit.Throttle
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(ropts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unreachable at startup; throttle fails open until it recovers", "error", err)
		}
		throttle = ratelimit.NewRedisWindow(s.redis, "lootcore:throttle:")
		s.health.RegisterOptional("redis", health.Redis(s.redis))
		s.logger.Info("using redis throttle", "addr", ropts.Addr)
	} else {
		s.throttleLocal = ratelimit.New(ratelimit.DefaultConfig())
		throttle = ratelimit.NewLocalWindow(s.throttleLocal, "server")
	}

	// Audit (always logged, also streamed when NATS_URL set)
	auditLog := audit.Multi{audit.NewSlogSink(s.logger, "lootcore-server")}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("lootcore-server"),
			nats.MaxReconnects(-1),
			nats.RetryOnFailedConnect(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.nats = nc
		s.natsSink = audit.NewNATSSink(nc, "lootcore-server", 0, s.logger)
		auditLog = append(auditLog, s.natsSink)
		s.health.RegisterOptional("nats", health.NATS(nc))
		s.logger.Info("audit streaming enabled", "subject_prefix", audit.SubjectPrefix)
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	detector := anomaly.NewDetector().
		WithStore(s.anomalyStore).
		WithLogger(s.logger)

	s.rewards = rewards.NewService(s.rewardStore, s.catalog).
		WithSelector(rewards.NewSelector(cfg.ScriptLength, cfg.WinnerPosition)).
		WithThrottle(throttle, rewards.Limits{
			Open:   cfg.OpenRateLimit,
			Settle: cfg.SettleRateLimit,
			Window: cfg.OpenRateWindow,
		}).
		WithDetector(detector).
		WithAudit(auditLog).
		WithFeed(s.realtimeHub).
		WithLogger(s.logger).
		WithStartingBalance(cfg.StartingBalance).
		WithMaxRewardValue(cfg.MaxRewardValue)
	s.autoKeep = rewards.NewTimer(s.rewards, s.rewardStore, cfg.AutoKeepAfter, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP flood guard; the per-actor throttle lives in the reward service.
	s.httpLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.httpLimiter.Middleware(s.cfg.HTTPRateLimit, time.Minute))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live drop feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	handler := rewards.NewHandler(s.rewards)
	handler.RegisterRoutes(v1)

	admin := v1.Group("/admin", security.AdminMiddleware(s.cfg.AdminSecret))
	handler.RegisterAdminRoutes(admin)
	admin.GET("/actors/:actor/anomalies", validation.IdentifierParamMiddleware("actor"), s.listAnomalies)
	admin.GET("/feed/stats", s.feedStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.health.CheckAll(ctx)
	httpStatus := http.StatusOK
	if !rep.Healthy() {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    rep.State,
		Version:   Version,
		Checks:    rep.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":       "lootcore",
		"version":    Version,
		"containers": len(s.catalog.List()),
		"storage":    s.storageKind(),
		"auto_keep":  s.cfg.AutoKeepAfter.String(),
		"timer":      s.autoKeep.Running(),
	})
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// listAnomalies handles GET /v1/admin/actors/:actor/anomalies
func (s *Server) listAnomalies(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	sigs, err := s.anomalyStore.ListByActor(c.Request.Context(), c.Param("actor"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list anomalies failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list anomalies",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"anomalies": sigs,
		"count":     len(sigs),
	})
}

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"storage", s.storageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.autoKeep.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.autoKeep.Stop()
	s.logger.Info("auto-keep timer stopped")

	s.httpLimiter.Stop()
	if s.throttleLocal != nil {
		s.throttleLocal.Stop()
	}

	if s.natsSink != nil {
		s.natsSink.Close()
	}
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Rewards returns the reward service (for in-process clients and tests)
func (s *Server) Rewards() *rewards.Service {
	return s.rewards
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
