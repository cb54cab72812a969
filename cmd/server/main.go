package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/campus-transit/internal/config"
	"github.com/example/campus-transit/internal/dispatch"
	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/events"
	httpapi "github.com/example/campus-transit/internal/http"
	"github.com/example/campus-transit/internal/lifecycle"
	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "campus-transit")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithETATimeout(cfg.ETATimeout),
		lifecycle.WithDefaultRideOrigin(cfg.DefaultRideOrigin),
		lifecycle.WithDefaultTraffic(models.TrafficLevel(cfg.DefaultTraffic)),
	}
	if est, closeEst := buildEstimator(cfg, logger); est != nil {
		defer closeEst()
		opts = append(opts, lifecycle.WithEstimator(est))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		opts = append(opts, lifecycle.WithEvents(kp))
		logger.Info("publishing lifecycle events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	svc := lifecycle.NewService(store, opts...)

	reg := dispatch.NewWSRegistry(logger)
	api := httpapi.NewServer(svc, store, reg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("campus-transit listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	reg.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	svc.Close()
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.RequestStore, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migration applied", "file", "001_create_requests.sql")
	}
	return ps, func() { _ = ps.Close() }, nil
}

func buildEstimator(cfg config.ServerConfig, logger *slog.Logger) (eta.Estimator, func()) {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, requests will show the default duration")
		return nil, func() {}
	}
	next := eta.NewOpenAIEstimator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	if cfg.RedisAddr == "" {
		return &eta.CachedEstimator{Next: next, Cache: eta.NewMemoryCache(cfg.ETACacheTTL)}, func() {}
	}
	rc := eta.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.ETACacheTTL)
	return &eta.CachedEstimator{Next: next, Cache: rc}, func() { _ = rc.Close() }
}
