package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds snowflake ID generation and must be unique per replica.
	NodeID int64

	// InternalAPIToken authenticates trusted callers of the internal API.
	InternalAPIToken string
	// AdminAPIToken authenticates support tooling allowed to adjust balances.
	AdminAPIToken string

	LogLevel  string
	LogFormat string

	// Telemetry defaults to off unless an OTLP endpoint is configured.
	OtelEnabled       bool
	OTLPEndpoint      string
	OTLPProtocol      string
	OTLPSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBLockTimeout     time.Duration

	CatalogPath string
	// TrialCredits is the default trial grant when a caller does not pass an amount.
	TrialCredits int64

	Outbox    OutboxConfig
	RateLimit RateLimitConfig
}

type OutboxConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	RelayEnabled  bool
	RelayInterval time.Duration
	BatchSize     int
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// ChargeRate is the sustained charges per second allowed for one user.
	ChargeRate  float64
	ChargeBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	brokers := parseList(getenv("KAFKA_BROKERS", ""))
	otlpEndpoint := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "")))
	otlpProtocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "creditline"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		InternalAPIToken:  strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),
		AdminAPIToken:     strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		OtelEnabled:       getenvBool("OTEL_ENABLED", otlpEndpoint != ""),
		OTLPEndpoint:      otlpEndpoint,
		OTLPProtocol:      strings.ToLower(strings.TrimSpace(otlpProtocol)),
		OTLPSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBLockTimeout:     getenvDuration("DATABASE_LOCK_TIMEOUT", 5*time.Second),
		CatalogPath:       strings.TrimSpace(getenv("CATALOG_PATH", "")),
		TrialCredits:      getenvInt64("TRIAL_CREDITS", 10),
		Outbox: OutboxConfig{
			KafkaBrokers:  brokers,
			KafkaTopic:    getenv("KAFKA_TOPIC", "creditline.ledger"),
			RelayEnabled:  getenvBool("OUTBOX_RELAY_ENABLED", len(brokers) > 0),
			RelayInterval: getenvDuration("OUTBOX_RELAY_INTERVAL", 5*time.Second),
			BatchSize:     getenvInt("OUTBOX_RELAY_BATCH_SIZE", 100),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("REDIS_DB", 0),
			ChargeRate:    getenvFloat("RATE_LIMIT_CHARGE_RATE", 5),
			ChargeBurst:   getenvInt("RATE_LIMIT_CHARGE_BURST", 20),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
