// Package main is the entry point for the payment relay server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/payrelay/internal/api"
	"github.com/onnwee/payrelay/internal/auth"
	"github.com/onnwee/payrelay/internal/config"
	"github.com/onnwee/payrelay/internal/health"
	"github.com/onnwee/payrelay/internal/ledger"
	"github.com/onnwee/payrelay/internal/middleware"
	"github.com/onnwee/payrelay/internal/payment"
	"github.com/onnwee/payrelay/internal/store"
	"github.com/onnwee/payrelay/internal/tracing"
)

const serviceName = "payrelay"

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Payrelay API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "summary", cfg.LogSummary())

	// Tracing
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingProvider.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	// Database
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		logger.Error("failed to reach database", "error", err)
		os.Exit(1)
	}
	cancelPing()

	paymentStore := store.NewPostgres(db, logger)
	ledgerRepo := ledger.NewPostgresRepository(db, logger)

	// Metrics
	registry := prometheus.NewRegistry()
	httpMetrics := middleware.NewMetrics()
	webhookMetrics := payment.NewMetrics()
	ledgerMetrics := ledger.NewMetrics()
	for _, register := range []func(prometheus.Registerer) error{
		httpMetrics.Register,
		webhookMetrics.Register,
		ledgerMetrics.Register,
	} {
		if err := register(registry); err != nil {
			logger.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
	}

	// Rate limiting: Redis when configured, in-memory fallback otherwise.
	var (
		rateLimitStore middleware.RateLimitStore
		redisClient    *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rateLimitStore = middleware.NewRedisRateLimitStore(redisClient).WithMetrics(httpMetrics).Store()
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		rateLimitStore = memStore
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				memStore.Cleanup()
			}
		}()
	}

	// Stripe
	stripeClient := payment.NewStripeClient(cfg.StripeAPIKey)
	reconciler := payment.NewReconciler(paymentStore, stripeClient, logger, webhookMetrics)

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)

	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker: health.NewDBChecker(db),
		RedisChecker: func() api.HealthChecker {
			if redisClient == nil {
				return nil
			}
			return health.NewRedisChecker(redisClient)
		}(),
		StripeChecker: health.NewStripeChecker(),
	})

	mux := api.NewRouter(api.RouterDeps{
		Payments: api.NewPaymentHandlers(stripeClient),
		Webhooks: api.NewWebhookHandlers(cfg.StripeWebhookSecret, reconciler, ledgerRepo, webhookMetrics),
		Health:   healthHandlers,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Auth:     middleware.Auth(jwtService),
		PaymentLimiter: middleware.RateLimiter(
			rateLimitStore, middleware.DefaultPaymentLimit(), middleware.UserKeyFunc()),
	})

	// Apply middleware: RequestID -> Tracing -> Logging -> HTTPMetrics
	var handler http.Handler = middleware.HTTPMetrics(httpMetrics)(mux)
	handler = middleware.Logging(logger)(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing(serviceName)(handler)
	}
	handler = middleware.RequestID(handler)

	// Periodic ledger cleanup
	cleanupStop := make(chan struct{})
	go ledger.RunPeriodicCleanup(
		context.Background(), ledgerRepo, time.Hour, cfg.LedgerRetention(), ledgerMetrics, cleanupStop)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	close(cleanupStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
