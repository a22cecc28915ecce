package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures the process-level parameters for the API server and
// the location consumer. Business tunables live in Tunables instead.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string
	KafkaGroupID       string

	PGDSN string

	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string

	PushEndpoint string
	PushToken    string

	BatchPayoutCron        string
	BatchPayoutParallelism int
	ConfigRefreshInterval  time.Duration
	RedispatchInterval     time.Duration
	RedispatchMaxAge       time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		RedisGeoKey:            "drivers_geo",
		KafkaLocationTopic:     "driver-locations",
		KafkaEventTopic:        "trip-events",
		KafkaGroupID:           "geo-updater",
		Currency:               "usd",
		BatchPayoutCron:        "0 3 * * *",
		BatchPayoutParallelism: 1,
		ConfigRefreshInterval:  60 * time.Second,
		RedispatchInterval:     30 * time.Second,
		RedispatchMaxAge:       15 * time.Minute,
		LogLevel:               "info",
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
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushToken = os.Getenv("PUSH_TOKEN")

	setStringFromEnv(&cfg.BatchPayoutCron, "BATCH_PAYOUT_CRON")
	setIntFromEnv(&cfg.BatchPayoutParallelism, "BATCH_PAYOUT_PARALLELISM", &errs)
	setDurationFromEnv(&cfg.ConfigRefreshInterval, "CONFIG_REFRESH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RedispatchInterval, "REDISPATCH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RedispatchMaxAge, "REDISPATCH_MAX_AGE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BatchPayoutParallelism <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_PAYOUT_PARALLELISM must be > 0"))
	}
	if cfg.ConfigRefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("CONFIG_REFRESH_INTERVAL must be > 0"))
	}
	if cfg.RedispatchInterval < 0 {
		errs = append(errs, fmt.Errorf("REDISPATCH_INTERVAL must be >= 0"))
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
