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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/gigmarket/orderflow/internal/auth"
	"github.com/gigmarket/orderflow/internal/catalog"
	"github.com/gigmarket/orderflow/internal/chat"
	"github.com/gigmarket/orderflow/internal/config"
	"github.com/gigmarket/orderflow/internal/eventbus"
	"github.com/gigmarket/orderflow/internal/health"
	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/lock"
	"github.com/gigmarket/orderflow/internal/logging"
	"github.com/gigmarket/orderflow/internal/metrics"
	"github.com/gigmarket/orderflow/internal/orders"
	"github.com/gigmarket/orderflow/internal/payments"
	"github.com/gigmarket/orderflow/internal/ratelimit"
	"github.com/gigmarket/orderflow/internal/realtime"
	"github.com/gigmarket/orderflow/internal/security"
	"github.com/gigmarket/orderflow/internal/traces"
	"github.com/gigmarket/orderflow/internal/validation"
	"github.com/gigmarket/orderflow/internal/withdrawals"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	verifier    *auth.Verifier
	ledger      *ledger.Ledger
	catalog     *catalog.Service
	orders      *orders.Service
	reconciler  *orders.Reconciler
	sweeper     *orders.Sweeper
	sweepTimer  *orders.Timer
	withdrawals *withdrawals.Service
	realtimeHub *realtime.Hub
	kafka       *eventbus.KafkaPublisher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	invoices        payments.InvoiceCreator
	payouts         payments.PayoutCreator
	stripe          *payments.Stripe
	locker          orders.Locker
	chat            orders.Conversations
	withdrawalStore withdrawals.Store

	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
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

// WithVersion sets the build version reported by health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithGateways replaces the payment provider clients (for testing).
func WithGateways(invoices payments.InvoiceCreator, payouts payments.PayoutCreator) Option {
	return func(s *Server) {
		s.invoices = invoices
		s.payouts = payouts
	}
}

// WithLocker sets the lock that keeps sweeps single-flight across replicas.
func WithLocker(l orders.Locker) Option {
	return func(s *Server) {
		s.locker = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	s.verifier = verifier

	traceShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = traceShutdown

	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	if err := s.setupInfrastructure(ctx); err != nil {
		return nil, err
	}
	s.setupGateways()
	s.setupServices()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage picks Postgres when DATABASE_URL is set, otherwise in-memory
// stores that share one ledger.
func (s *Server) setupStorage() error {
	var (
		ledgerStore  ledger.Store
		catalogStore catalog.Store
		orderStore   orders.Store
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.health.RegisterPinger("database", db.PingContext)
		s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db)
		catalogStore = catalog.NewPostgresStore(db)
		orderStore = orders.NewPostgresStore(db)
		s.withdrawalStore = withdrawals.NewPostgresStore(db)
	} else {
		mem := ledger.NewMemoryStore()
		ledgerStore = mem
		catalogStore = catalog.NewMemoryStore()
		orderStore = orders.NewMemoryStore(mem)
		s.withdrawalStore = withdrawals.NewMemoryStore(mem)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore, s.logger)
	s.catalog = catalog.NewService(catalogStore, catalog.Limits{
		MaxPrice:        s.cfg.MaxOrderPrice,
		MaxDeliveryDays: s.cfg.MaxDeliveryDays,
	})

	s.orders = orders.NewService(orderStore, s.catalog, orders.Policy{
		Fees:              orders.FeePolicy{Rate: s.cfg.FeeRate},
		MaxOrderPrice:     s.cfg.MaxOrderPrice,
		MaxDeliveryDays:   s.cfg.MaxDeliveryDays,
		PlatformAccountID: s.cfg.PlatformAccountID,
		DisputeWindow:     s.cfg.DisputeResponseWindow,
	}).WithSalesRecorder(ledgerStore).WithLogger(s.logger)
	return nil
}

// setupInfrastructure connects the optional Redis lock, Kafka stream and
// chat service.
func (s *Server) setupInfrastructure(ctx context.Context) error {
	if s.cfg.RedisURL != "" && s.locker == nil {
		locker, client, err := lock.New(ctx, s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.locker = locker
		s.health.RegisterPinger("redis", lock.Ping(client))
		s.logger.Info("redis sweep lock enabled")
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := []eventbus.Sink{{Name: "realtime", Publisher: s.realtimeHub}}
	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = eventbus.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		sinks = append(sinks, eventbus.Sink{Name: "kafka", Publisher: s.kafka})
		s.logger.Info("kafka event stream enabled", "topic", s.cfg.KafkaTopic)
	}
	s.orders.WithEvents(eventbus.NewFanout(s.logger, sinks...))

	if s.cfg.ChatServiceURL != "" {
		s.chat = chat.NewClient(s.cfg.ChatServiceURL, s.cfg.ChatServiceToken, s.logger)
		s.orders.WithConversations(s.chat)
		s.logger.Info("chat teardown enabled")
	}
	return nil
}

// setupGateways wires the configured invoice provider. Payouts always go
// through Xendit when a key is present; otherwise the sandbox settles them.
func (s *Server) setupGateways() {
	var xendit *payments.Xendit
	if s.cfg.XenditAPIKey != "" {
		xendit = payments.NewXendit(payments.XenditConfig{
			APIKey:     s.cfg.XenditAPIKey,
			BaseURL:    s.cfg.XenditBaseURL,
			SuccessURL: s.cfg.PaymentSuccessURL,
			Currency:   s.cfg.PaymentCurrency,
		}, s.logger)
	}
	sandbox := payments.NewSandbox(s.cfg.PaymentSuccessURL)

	if s.invoices == nil {
		switch {
		case s.cfg.PaymentProvider == "xendit" && xendit != nil:
			s.invoices = xendit
		case s.cfg.PaymentProvider == "stripe":
			s.stripe = payments.NewStripe(payments.StripeConfig{
				SecretKey:     s.cfg.StripeSecretKey,
				WebhookSecret: s.cfg.StripeWebhookSecret,
				SuccessURL:    s.cfg.PaymentSuccessURL,
				Currency:      s.cfg.PaymentCurrency,
			}, s.logger)
			s.invoices = s.stripe
		default:
			s.invoices = sandbox
		}
	}
	if s.payouts == nil {
		if xendit != nil {
			s.payouts = xendit
		} else {
			s.payouts = sandbox
		}
	}
	s.logger.Info("payment provider configured", "provider", s.cfg.PaymentProvider)
}

func (s *Server) setupServices() {
	s.orders.WithGateway(s.invoices)
	s.reconciler = orders.NewReconciler(s.orders)

	s.sweeper = orders.NewSweeper(s.orders, orders.Windows{
		NoResponse:     s.cfg.NoResponseWindow,
		Release:        s.cfg.ReleaseWindow,
		DisputeTimeout: s.cfg.DisputeResponseWindow,
	}, s.logger)
	s.sweepTimer = orders.NewTimer(s.sweeper, s.cfg.SweepInterval, s.logger)
	if s.locker != nil {
		s.sweepTimer.WithLocker(s.locker)
	}

	s.withdrawals = withdrawals.NewService(s.withdrawalStore, s.payouts, withdrawals.Rules{
		MinAmount:         s.cfg.MinWithdrawal,
		PlatformAccountID: s.cfg.PlatformAccountID,
	}).WithWithdrawnMarker(s.orders).WithLogger(s.logger)
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Bearer tokens are optional here; protected groups require them.
	s.router.Use(auth.Middleware(s.verifier))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPM))
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	orderHandler := orders.NewHandler(s.orders, s.reconciler).WithScheduler(s.sweeper)
	if s.stripe != nil {
		orderHandler.WithStripe(s.stripe)
	}
	catalogHandler := catalog.NewHandler(s.catalog)
	ledgerHandler := ledger.NewHandler(s.ledger)
	withdrawalHandler := withdrawals.NewHandler(s.withdrawals)

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	// Public reads
	catalogHandler.RegisterRoutes(v1)
	orderHandler.RegisterRoutes(v1)

	// Provider callbacks authenticate with a shared token, not a bearer.
	orderHandler.RegisterWebhookRoutes(v1, security.RequireCallbackToken(s.cfg.PaymentCallbackToken))
	withdrawalHandler.RegisterWebhookRoutes(v1, security.RequireCallbackToken(s.cfg.PayoutCallbackToken))

	protected := v1.Group("", auth.RequireAuth(), s.rateLimiter.Middleware())
	catalogHandler.RegisterProtectedRoutes(protected)
	orderHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	withdrawalHandler.RegisterProtectedRoutes(protected)
	s.realtimeHub.RegisterRoutes(protected)

	admin := protected.Group("/admin", auth.RequireAdmin())
	orderHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	withdrawalHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
		"name":            "orderflow",
		"version":         s.version,
		"currency":        s.cfg.PaymentCurrency,
		"paymentProvider": s.cfg.PaymentProvider,
		"feeRate":         s.cfg.FeeRate.String(),
		"maxOrderPrice":   s.cfg.MaxOrderPrice,
		"maxDeliveryDays": s.cfg.MaxDeliveryDays,
		"minWithdrawal":   s.cfg.MinWithdrawal,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweepTimer.Start(runCtx)
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
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweepTimer.Stop()
	s.rateLimiter.Stop()

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
