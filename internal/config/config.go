package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the API and relay process.
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
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool
	MigrationFile string

	StripeAPIKey string
	Currency     string

	FCMEndpoint string
	FCMKey      string
	PushTimeout time.Duration

	RelayLocationRate  float64
	RelayLocationBurst int
	RelaySendBuffer    int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "job_locations_geo",
		KafkaTopic:         "cleaner-locations",
		MigrationFile:      "migrations/001_create_jobs.sql",
		Currency:           "aud",
		PushTimeout:        5 * time.Second,
		RelayLocationRate:  1,
		RelayLocationBurst: 5,
		RelaySendBuffer:    64,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	loadEnvFile(&errs)

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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationFile, "MIGRATION_FILE")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	if v := os.Getenv("CURRENCY"); v != "" {
		cfg.Currency = strings.ToLower(strings.TrimSpace(v))
	}

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = strings.TrimSpace(os.Getenv("FCM_SERVER_KEY"))
	setDurationFromEnv(&cfg.PushTimeout, "PUSH_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.RelayLocationRate, "RELAY_LOCATION_RATE", &errs)
	setIntFromEnv(&cfg.RelayLocationBurst, "RELAY_LOCATION_BURST", &errs)
	setIntFromEnv(&cfg.RelaySendBuffer, "RELAY_SEND_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RelayLocationRate <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_LOCATION_RATE must be > 0"))
	}
	if cfg.RelayLocationBurst <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_LOCATION_BURST must be > 0"))
	}
	if cfg.FCMKey != "" && cfg.FCMEndpoint == "" {
		errs = append(errs, fmt.Errorf("FCM_ENDPOINT is required when FCM_SERVER_KEY is set"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location consumer that projects Kafka samples
// into Redis.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "cleaner-locations",
		KafkaGroup:    "cleaner-tracking-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "job_locations_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error
	loadEnvFile(&errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// TrackerConfig holds the defaults of the tracker CLI. Flags override them.
type TrackerConfig struct {
	APIURL         string
	RelayURL       string
	OSRMURL        string
	RouteCacheTTL  time.Duration
	Heartbeat      time.Duration
	AcquireTimeout time.Duration
	LogLevel       string
}

func defaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		APIURL:         "http://localhost:8080",
		RelayURL:       "ws://localhost:8080/ws",
		RouteCacheTTL:  time.Minute,
		Heartbeat:      10 * time.Second,
		AcquireTimeout: 12 * time.Second,
		LogLevel:       "warn",
	}
}

func LoadTrackerConfig() (TrackerConfig, error) {
	cfg := defaultTrackerConfig()
	var errs []error
	loadEnvFile(&errs)

	setStringFromEnv(&cfg.APIURL, "TRACKER_API_URL")
	setStringFromEnv(&cfg.RelayURL, "TRACKER_RELAY_URL")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.Heartbeat, "TRACKER_HEARTBEAT", &errs)
	setDurationFromEnv(&cfg.AcquireTimeout, "TRACKER_ACQUIRE_TIMEOUT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("TRACKER_HEARTBEAT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// loadEnvFile loads ENV_FILE (default .env) without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(errs *[]error) {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		*errs = append(*errs, fmt.Errorf("load %s: %w", path, err))
	}
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
