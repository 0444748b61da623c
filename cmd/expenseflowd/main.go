// Command expenseflowd runs the expense approval service: the HTTP API, the
// approval engine, and the exchange-rate oracle client behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"expenseflow/auth"
	"expenseflow/config"
	"expenseflow/currency"
	"expenseflow/middleware"
	"expenseflow/models"
	"expenseflow/observability/logging"
	"expenseflow/observability/telemetry"
	"expenseflow/server"
	"expenseflow/storage"
	"expenseflow/workflow"
)

const (
	serviceName     = "expenseflowd"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	// A local .env is a development convenience only.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.Setup(serviceName, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.Open(cfg.Database.DSN, storage.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
	})
	if err != nil {
		return err
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := storage.Health(pingCtx, db); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	oracle := currency.NewClient(&http.Client{}, cfg.Oracle.BaseURL, cfg.Oracle.Timeout.Duration)
	normalizer, err := currency.NewNormalizer(oracle, cfg.Oracle.CacheTTL.Duration, currency.WithLogger(log))
	if err != nil {
		return fmt.Errorf("build normalizer: %w", err)
	}
	registry.MustRegister(normalizer.Collectors()...)

	receipts, err := storage.NewReceiptStore(cfg.Uploads.Dir)
	if err != nil {
		return err
	}

	engine := workflow.NewEngine(db, normalizer,
		workflow.WithLogger(log),
		workflow.WithMetrics(workflow.NewMetrics(registry)),
	)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	defer rateLimiter.Close()

	srv := server.New(server.Config{
		DB:             db,
		Engine:         engine,
		Receipts:       receipts,
		Authenticator:  auth.New(cfg.Auth.JWTSecret, cfg.Auth.AllowInsecure),
		RateLimiter:    rateLimiter,
		RequestMetrics: middleware.NewRequestMetrics(registry),
		Registry:       registry,
		Environment:    cfg.Environment,
		MaxUploadBytes: cfg.Uploads.MaxBytes,
		Log:            log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(srv.Handler(), "expenseflow.http"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain connections: %w", err)
	}
	log.Info("stopped")
	return nil
}
