// Package server wires the wallet gateway and serves its HTTP API.
package server

import (
	"context"
	"database/sql"
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
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	stripe "github.com/stripe/stripe-go/v81"

	"github.com/mbd888/walletgate/internal/admin"
	"github.com/mbd888/walletgate/internal/auth"
	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/escrow"
	"github.com/mbd888/walletgate/internal/health"
	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/notify"
	"github.com/mbd888/walletgate/internal/payments"
	"github.com/mbd888/walletgate/internal/ratelimit"
	"github.com/mbd888/walletgate/internal/reconciliation"
	"github.com/mbd888/walletgate/internal/security"
	"github.com/mbd888/walletgate/internal/sqldb"
	"github.com/mbd888/walletgate/internal/tenant"
	"github.com/mbd888/walletgate/internal/topoff"
	"github.com/mbd888/walletgate/internal/traces"
	"github.com/mbd888/walletgate/internal/validation"
	"github.com/mbd888/walletgate/internal/webhooks"
	"github.com/mbd888/walletgate/migrations"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc
	stopTraces   func(context.Context) error

	dbs        map[string]*sql.DB
	redis      *redis.Client
	ledger     *ledger.Ledger
	tenants    tenant.Store
	settings   topoff.SettingsStore
	payments   payments.Client
	spend      reconciliation.SpendSource
	notifier   notify.Notifier
	emitter    *notify.Emitter
	reconciler *reconciliation.Service
	scheduler  *topoff.Scheduler
	coord      *escrow.Coordinator
	reaper     *escrow.Reaper
	gateway    *webhooks.Gateway
	limiter    *ratelimit.Limiter
	health     *health.Registry

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPayments replaces the Stripe client (for tests).
func WithPayments(c payments.Client) Option {
	return func(s *Server) { s.payments = c }
}

// WithSpendSource replaces the analytics client (for tests).
func WithSpendSource(src reconciliation.SpendSource) Option {
	return func(s *Server) { s.spend = src }
}

// WithNotifier replaces the configured notification channels.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		dbs:    make(map[string]*sql.DB),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.stopTraces = stopTraces

	if err := s.initStores(ctx); err != nil {
		s.abort()
		return nil, err
	}
	if err := s.initServices(); err != nil {
		s.abort()
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) openDB(ctx context.Context, name, driver, dsn string, migrate bool) (*sql.DB, error) {
	db, err := sqldb.Open(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s database: %w", name, err)
	}
	s.dbs[name] = db
	if migrate {
		if err := migrations.Up(ctx, db, driver); err != nil {
			return nil, fmt.Errorf("%s migrations: %w", name, err)
		}
	}
	s.health.RegisterDB(name, db)
	s.logger.Info("database connected", "name", name, "driver", driver, "dsn", maskDSN(dsn))
	return db, nil
}

// initStores opens the wallet store and the directory (tenants, top-up
// settings). The directory prefers DATABASE_URL, then shares the wallet
// database, then falls back to memory.
func (s *Server) initStores(ctx context.Context) error {
	cfg := s.cfg

	var walletStore ledger.Store
	var walletDB *sql.DB
	switch cfg.WalletDriver {
	case "memory":
		walletStore = ledger.NewMemoryStore()
		s.logger.Warn("wallet ledger is in memory; balances are lost on restart")
	default:
		db, err := s.openDB(ctx, "wallet", cfg.WalletDriver, cfg.WalletDSN, true)
		if err != nil {
			return err
		}
		store, err := ledger.NewSQLStore(db, cfg.WalletDriver)
		if err != nil {
			return err
		}
		walletStore, walletDB = store, db
	}
	s.ledger = ledger.New(walletStore,
		ledger.WithLogger(s.logger),
		ledger.WithShards(cfg.Shards, 64),
		ledger.WithCreditReset(cfg.IsDevelopment()),
	)

	dirDB, dirDriver := walletDB, cfg.WalletDriver
	if cfg.DatabaseURL != "" {
		db, err := s.openDB(ctx, "directory", sqldb.DriverPostgres, cfg.DatabaseURL, true)
		if err != nil {
			return err
		}
		dirDB, dirDriver = db, sqldb.DriverPostgres
	}
	if dirDB == nil {
		s.tenants = tenant.NewMemoryStore()
		s.settings = topoff.NewMemoryStore()
		return nil
	}

	tenants, err := tenant.NewSQLStore(dirDB, dirDriver)
	if err != nil {
		return err
	}
	settings, err := topoff.NewSQLStore(dirDB, dirDriver)
	if err != nil {
		return err
	}
	s.tenants, s.settings = tenants, settings
	return nil
}

func (s *Server) initServices() error {
	cfg := s.cfg
	ctx := context.Background()

	if s.notifier == nil {
		chain := notify.Multi{notify.LogNotifier{Logger: s.logger}}
		if cfg.NotifyWebhookURL != "" {
			if cfg.IsProduction() {
				if err := security.ValidateEndpointURL(cfg.NotifyWebhookURL); err != nil {
					return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
				}
			}
			chain = append(chain, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
		}
		s.notifier = chain
	}
	s.emitter = notify.NewEmitter(s.notifier, s.logger)

	if s.payments == nil {
		var backends *stripe.Backends
		if cfg.StripeAPIURL != "" {
			backends = payments.BackendsFor(cfg.StripeAPIURL)
		}
		s.payments = payments.NewStripeClient(cfg.StripeSecretKey, backends)
	}

	if s.spend == nil && cfg.AnalyticsURL != "" {
		s.spend = reconciliation.NewAnalyticsClient(cfg.AnalyticsURL, cfg.AnalyticsToken)
	}
	if s.spend != nil {
		s.reconciler = reconciliation.NewService(s.ledger, s.spend, s.logger).
			WithNotifier(s.emitter, cfg.OpsEmail).
			WithThreshold(cfg.ReconcileAlertThreshold)
	} else {
		s.logger.Warn("ANALYTICS_URL not set; spend reconciliation disabled")
	}

	s.scheduler = topoff.NewScheduler(s.settings, nil, s.ledger, s.tenants, s.payments, cfg.TokenUsageProductID, s.logger).
		WithNotifier(s.emitter, cfg.OpsEmail)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		locker := topoff.NewRedisLocker(s.redis)
		s.scheduler.WithLocker(locker)
		s.health.Register(func(ctx context.Context) health.Status {
			if err := locker.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

	s.coord = escrow.NewCoordinator(s.ledger, s.logger).
		WithTopoff(s.scheduler).
		WithStaleness(cfg.ReconcileStaleness)
	if s.reconciler != nil {
		s.coord.WithReconciler(s.reconciler)
	}
	s.reaper = escrow.NewReaper(s.coord, cfg.EscrowTTL, s.logger)

	resolver := tenant.NewResolver(tenant.Region{Name: "home", Lookup: tenant.StoreLookup{Store: s.tenants}})
	if cfg.FallbackDatabaseURL != "" {
		db, err := s.openDB(ctx, "fallback", sqldb.DriverPostgres, cfg.FallbackDatabaseURL, false)
		if err != nil {
			return err
		}
		fallback, err := tenant.NewSQLStore(db, sqldb.DriverPostgres)
		if err != nil {
			return err
		}
		resolver = tenant.NewResolver(
			tenant.Region{Name: "home", Lookup: tenant.StoreLookup{Store: s.tenants}},
			tenant.Region{Name: "fallback", Lookup: tenant.StoreLookup{Store: fallback}},
		)
	}
	s.gateway = webhooks.NewGateway(payments.NewVerifier(cfg.StripeWebhookSecret), s.payments, s.ledger, resolver,
		cfg.TokenUsageProductID, s.logger)

	s.health.Register(func(ctx context.Context) health.Status {
		if err := s.ledger.Ping(ctx); err != nil {
			return health.Status{Name: "ledger", Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})
	return nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if org := c.Param("orgId"); org != "" {
			ctx = logging.WithOrgID(ctx, org)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	hooks := s.router.Group("/", validation.RequestSizeMiddleware(validation.MaxWebhookSize))
	s.gateway.RegisterRoutes(hooks)

	requireAdmin := auth.RequireAdmin(s.cfg.AdminSecret)
	body := validation.RequestSizeMiddleware(validation.MaxRequestSize)
	orgParam := validation.OrgIDParamMiddleware()

	// Proxy-facing escrow API.
	proxy := s.router.Group("/v1/wallet/:orgId", requireAdmin, body, orgParam)
	escrow.NewHandler(s.coord, tenant.CreditLines{Store: s.tenants}).RegisterRoutes(proxy)

	// Operator API.
	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	adminGroup := s.router.Group("/admin", s.limiter.Middleware(ratelimit.ByClientIP), requireAdmin, body)
	tenant.NewHandler(s.tenants).RegisterAdminRoutes(adminGroup)

	walletAdmin := adminGroup.Group("/wallet/:orgId", orgParam)
	adminHandler := admin.NewHandler(s.ledger, s.logger)
	if s.reconciler != nil {
		adminHandler.WithReconciler(s.reconciler)
	}
	adminHandler.RegisterRoutes(walletAdmin)
	topoff.NewHandler(s.scheduler).RegisterAdminRoutes(walletAdmin)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	s.health.Ready(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and the background loops until ctx ends or a signal
// arrives, then shuts down.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "wallet_driver", s.cfg.WalletDriver)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reaper.Start(runCtx)
	if len(s.dbs) > 0 {
		go metrics.StartDBStatsCollector(runCtx, s.dbs, 15*time.Second)
	}
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}
	return s.Shutdown()
}

// Shutdown drains HTTP traffic, stops background work and closes stores.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reaper.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	// Escrow follow-ups may still be writing to the ledger.
	s.coord.Wait()
	s.ledger.Close()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	s.closeDBs()
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// abort releases whatever New managed to open before failing.
func (s *Server) abort() {
	if s.ledger != nil {
		s.ledger.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	s.closeDBs()
}

func (s *Server) closeDBs() {
	for name, db := range s.dbs {
		if err := db.Close(); err != nil {
			s.logger.Error("database close error", "name", name, "error", err)
		}
	}
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
