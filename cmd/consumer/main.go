package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-transit/internal/config"
	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/events"
	"github.com/example/campus-transit/internal/lifecycle"
	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total lifecycle events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	backfills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_eta_backfills_total",
		Help: "Total estimates written by the back-fill worker",
	})
	backfillErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_eta_backfill_errors_total",
		Help: "Total back-fills abandoned after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, backfills, backfillErrors)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	// allow some flags for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel, "campus-transit-consumer")

	store, err := storage.NewPostgresStore(cfg.PGDSN, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var cache eta.Cache = eta.NewMemoryCache(cfg.ETACacheTTL)
	var rc *eta.RedisCache
	if cfg.RedisAddr != "" {
		rc = eta.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.ETACacheTTL)
		defer rc.Close()
		cache = rc
	}
	est := &eta.CachedEstimator{
		Next:  eta.NewOpenAIEstimator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel),
		Cache: cache,
	}
	svc := lifecycle.NewService(store,
		lifecycle.WithLogger(logger),
		lifecycle.WithEstimator(est),
		lifecycle.WithETATimeout(cfg.ETATimeout),
	)
	defer svc.Close()

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if rc != nil {
				if err := rc.Ping(r.Context()); err != nil {
					http.Error(w, "redis not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		ev, err := events.Decode(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}
		handleEvent(ctx, svc, ev, cfg.BackfillAttempts, cfg.BackfillDelay, logger)
	}
}

// Backfiller is the part of the lifecycle the worker needs.
type Backfiller interface {
	BackfillEstimate(ctx context.Context, id string) (int, error)
}

func handleEvent(ctx context.Context, b Backfiller, ev events.Event, attempts int, delay time.Duration, logger *slog.Logger) {
	if ev.Type != events.RequestEstimateMissing {
		return
	}
	minutes, err := backfillWithRetry(ctx, b, ev.RequestID, attempts, delay)
	if err != nil {
		backfillErrors.Inc()
		logger.Warn("eta back-fill abandoned", "request_id", ev.RequestID, "error", err)
		return
	}
	backfills.Inc()
	logger.Info("eta back-filled", "request_id", ev.RequestID, "minutes", minutes)
}

// backfillWithRetry retries collaborator failures with doubling delay. A
// request that no longer exists is not retried.
func backfillWithRetry(ctx context.Context, b Backfiller, id string, attempts int, delay time.Duration) (int, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		minutes, err := b.BackfillEstimate(ctx, id)
		if err == nil {
			return minutes, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return 0, lastErr
}
