package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	ETACacheTTL   time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	ETATimeout    time.Duration

	DefaultTraffic    string
	DefaultRideOrigin string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		ETACacheTTL:       10 * time.Minute,
		KafkaTopic:        "request-events",
		OpenAIModel:       "gpt-4o-mini",
		ETATimeout:        8 * time.Second,
		DefaultTraffic:    "moderate",
		DefaultRideOrigin: "VIT Vellore Main Gate",
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.OpenAIAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	setStringFromEnv(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	setStringFromEnv(&cfg.OpenAIModel, "OPENAI_MODEL")
	setDurationFromEnv(&cfg.ETATimeout, "ETA_TIMEOUT", &errs)

	if v := os.Getenv("DEFAULT_TRAFFIC"); v != "" {
		cfg.DefaultTraffic = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.DefaultRideOrigin, "DEFAULT_RIDE_ORIGIN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	switch cfg.DefaultTraffic {
	case "light", "moderate", "heavy":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_TRAFFIC must be light, moderate or heavy"))
	}
	if cfg.ETATimeout <= 0 {
		errs = append(errs, fmt.Errorf("ETA_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the ETA back-fill worker.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	MetricsAddr string

	PGDSN string

	RedisAddr     string
	RedisPassword string
	ETACacheTTL   time.Duration

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	ETATimeout    time.Duration

	BackfillAttempts int
	BackfillDelay    time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "request-events",
		KafkaGroup:       "eta-backfill",
		MetricsAddr:      ":9102",
		ETACacheTTL:      10 * time.Minute,
		OpenAIModel:      "gpt-4o-mini",
		ETATimeout:       8 * time.Second,
		BackfillAttempts: 5,
		BackfillDelay:    2 * time.Second,
		LogLevel:         "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	cfg.OpenAIAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	setStringFromEnv(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	setStringFromEnv(&cfg.OpenAIModel, "OPENAI_MODEL")
	setDurationFromEnv(&cfg.ETATimeout, "ETA_TIMEOUT", &errs)

	setIntFromEnv(&cfg.BackfillAttempts, "BACKFILL_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.BackfillDelay, "BACKFILL_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.BackfillAttempts <= 0 {
		errs = append(errs, fmt.Errorf("BACKFILL_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
