package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bindery-app/bindery/internal"
	"github.com/bindery-app/bindery/internal/auth"
	"github.com/bindery-app/bindery/internal/billing"
	"github.com/bindery-app/bindery/internal/handler"
	"github.com/bindery-app/bindery/internal/metrics"
	"github.com/bindery-app/bindery/internal/middleware"
	"github.com/bindery-app/bindery/internal/repository"
	"github.com/bindery-app/bindery/internal/service"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Run migrations over database/sql; the application itself uses a pgx pool
	migrationDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	if err := migrationDB.PingContext(ctx); err != nil {
		migrationDB.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := internal.RunMigrations(migrationDB); err != nil {
		migrationDB.Close()
		return fmt.Errorf("migration failed: %w", err)
	}
	migrationDB.Close()

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("connection pool failed: %w", err)
	}
	defer pool.Close()
	logger.Info("Database ready")

	// Initialize repository
	repo := repository.New(pool)

	// Initialize billing. Without PayPal credentials (development only) a
	// stub serves plan data and rejects everything else.
	planCfg := billing.PlanConfig{
		ProPlanID:        cfg.PayPalProPlanID,
		EnterprisePlanID: cfg.PayPalEnterprisePlanID,
	}
	var billingSvc billing.Service
	if cfg.PayPalClientID != "" && cfg.PayPalSecret != "" {
		billingSvc, err = billing.NewPayPalService(ctx, cfg.PayPalClientID, cfg.PayPalSecret, cfg.PayPalWebhookID, cfg.PayPalLive, planCfg)
		if err != nil {
			return fmt.Errorf("paypal initialization failed: %w", err)
		}
		logger.Info("PayPal billing ready", "live", cfg.PayPalLive)
	} else {
		billingSvc = billing.NewStubService(planCfg, logger)
		logger.Warn("PayPal credentials not configured, billing runs as a stub")
	}

	// Initialize services
	mergeLimits := service.MergeLimits{
		MaxFiles:      cfg.MergeMaxFiles,
		MaxFileBytes:  cfg.MergeMaxFileBytes,
		MaxTotalBytes: cfg.MergeMaxBytes,
	}
	entitlementService := service.NewEntitlementService(repo, logger, cfg.StoreTimeout)
	mergeService := service.NewMergeService(mergeLimits, logger)

	// Initialize middleware
	isSecure := cfg.Env != "development"
	verifier := auth.NewHMACVerifier(cfg.AuthTokenSecret)
	authMw := middleware.NewAuthMiddleware(verifier, logger)
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	metricsAuthMw := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)

	// Per-IP abuse guard in front of the endpoints that do real work. The
	// per-user business quota is enforced separately by the entitlement
	// service.
	apiLimiter := middleware.NewRateLimiter(60, time.Minute, logger)
	rateLimitMw := middleware.NewRateLimitMiddleware(apiLimiter, logger)

	// Initialize handlers
	mergeHandler := handler.NewMergeHandler(entitlementService, mergeService, mergeLimits, logger)
	statusHandler := handler.NewStatusHandler(entitlementService, logger)
	billingHandler := handler.NewBillingHandler(billingSvc, entitlementService, cfg.BaseURL, logger)
	webhookHandler := handler.NewWebhookHandler(billingSvc, entitlementService, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Unmatched paths get the JSON 404, not the stdlib plaintext one
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler.NotFoundResponse(w, r, logger)
	})

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			logger.Error("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics (basic auth when configured)
	mux.Handle("GET /metrics", metricsAuthMw.Handler(promhttp.Handler()))

	// Middleware stack for authenticated API routes
	requireUser := middleware.Stack(rateLimitMw.Limit, authMw.RequireUser)

	mergeHandler.RegisterRoutes(mux, requireUser)
	statusHandler.RegisterRoutes(mux, requireUser)
	billingHandler.RegisterRoutes(mux, requireUser)

	// Webhooks authenticate by transmission signature, not user identity
	webhookHandler.RegisterRoutes(mux)

	// Outer middleware applied to every request
	root := middleware.Stack(
		securityMw.Handler,
		metrics.Middleware,
		authMw.WithUser,
		loggingMw.Handler,
	)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
