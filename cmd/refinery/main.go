package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	refhttp "github.com/forgeml/refinery/internal/adapter/http"
	refnats "github.com/forgeml/refinery/internal/adapter/nats"
	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/adapter/postgres"
	"github.com/forgeml/refinery/internal/adapter/ristretto"
	"github.com/forgeml/refinery/internal/adapter/s3"
	"github.com/forgeml/refinery/internal/adapter/trainerd"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/logger"
	"github.com/forgeml/refinery/internal/middleware"
	"github.com/forgeml/refinery/internal/resilience"
	"github.com/forgeml/refinery/internal/secrets"
	"github.com/forgeml/refinery/internal/service"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Logging))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"trainer_url", cfg.Trainer.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	shutdownTelemetry, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := refnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	dedup, err := ristretto.New(cfg.Cache.MaxSizeMB<<20, cfg.Cache.DedupTTL)
	if err != nil {
		return fmt.Errorf("dedup cache: %w", err)
	}
	defer dedup.Close()

	blobs, err := s3.New(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	breakers := resilience.NewRegistry(func() *resilience.Breaker {
		return resilience.NewBreaker(
			cfg.Breaker.MaxFailures, cfg.Breaker.Window,
			cfg.Breaker.Cooldown, cfg.Breaker.ProbeTimeout)
	})

	vault, err := secrets.NewVault(secrets.FromEnv(cfg.Trainer.APIKeyEnv))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	apiKey, ok := vault.Lookup(cfg.Trainer.APIKeyEnv)
	if !ok {
		slog.Warn("trainer API key not set, backend requests will be unauthenticated", "env", cfg.Trainer.APIKeyEnv)
	}
	backend := trainerd.NewClient(cfg.Trainer, apiKey, breakers)

	// --- Services ---

	store := postgres.NewStore(pool)

	registrySvc, err := service.NewRegistryService(store, blobs, queue, metrics, cfg.Registry)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	healthSvc := service.NewHealthService(store, queue, registrySvc, metrics, cfg.Health)
	filterSvc := service.NewFilterService(store, metrics, cfg.Filter)
	extractorSvc := service.NewExtractorService(store, queue, dedup, filterSvc, metrics, cfg.Extractor)
	curatorSvc := service.NewCuratorService(store, blobs, metrics, cfg.Curator, cfg.Filter.AllowLowDiversity)
	orchestratorSvc := service.NewOrchestratorService(
		store, blobs, queue, backend, backend, registrySvc, healthSvc, metrics, cfg.Orchestrator)
	gateSvc := service.NewGateService(backend, registrySvc, metrics, cfg.Gate)

	cancelExtractor, err := extractorSvc.Start(ctx)
	if err != nil {
		return fmt.Errorf("extractor: %w", err)
	}
	defer cancelExtractor()

	cancelHealth, err := healthSvc.Start(ctx)
	if err != nil {
		return fmt.Errorf("health subscriber: %w", err)
	}
	defer cancelHealth()

	go orchestratorSvc.Start(ctx)
	go curatorSvc.Run(ctx, cfg.Curator.DatasetID)
	go registrySvc.RunJanitor(ctx)

	// --- HTTP ---

	handlers := &refhttp.Handlers{
		Orchestrator: orchestratorSvc,
		Registry:     registrySvc,
		Gate:         gateSvc,
		Curator:      curatorSvc,
		Health:       healthSvc,
		Store:        store,
		Breakers:     breakers,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(refhttp.Logger)
	r.Use(refhttp.SecurityHeaders)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	limiter := middleware.NewRateLimiter(50, 100)
	defer limiter.StartCleanup(time.Minute, 10*time.Minute)()
	r.Use(limiter.Handler)

	idemKV, err := queue.KeyValue(ctx, "refinery-idempotency")
	if err != nil {
		return fmt.Errorf("idempotency kv: %w", err)
	}
	r.Use(middleware.Idempotency(idemKV))

	refhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
