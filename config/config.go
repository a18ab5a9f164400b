// Package config loads service configuration from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables win over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port    int
	Driver  string
	SQLPath string
	DSN     string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	TopUpMin decimal.Decimal
	TopUpMax decimal.Decimal

	MaxGenerations  int
	GenerationBand  int
	LenientPackages bool

	IdempotencyTTL       time.Duration
	IdempotencyRetention time.Duration
	ReaperInterval       time.Duration

	JWTSecret   string
	JWTExpiry   time.Duration
	OTPTTL      time.Duration
	RequireAuth bool

	OTLPEndpoint   string
	LogProduction  bool
	AllowedOrigins []string
}

// Load reads the environment. Only malformed money bounds are errors;
// other malformed values fall back to their defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:    getEnvAsInt("PORT", 8080),
		Driver:  strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		SQLPath: getEnv("SQLITE_PATH", "credit.db"),
		DSN:     getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "credit-events"),

		MaxGenerations:  getEnvAsInt("MAX_GENERATIONS", 10),
		GenerationBand:  getEnvAsInt("GENERATION_BAND", 5),
		LenientPackages: getEnvAsBool("LENIENT_PACKAGES", false),

		IdempotencyTTL:       getEnvAsDuration("IDEMPOTENCY_TTL", 10*time.Minute),
		IdempotencyRetention: getEnvAsDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),
		ReaperInterval:       getEnvAsDuration("REAPER_INTERVAL", time.Minute),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTExpiry:   getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),
		OTPTTL:      getEnvAsDuration("OTP_TTL", 5*time.Minute),
		RequireAuth: getEnvAsBool("REQUIRE_AUTH", false),

		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogProduction:  getEnvAsBool("LOG_PRODUCTION", false),
		AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}

	var err error
	if cfg.TopUpMin, err = getEnvAsDecimal("TOPUP_MIN", decimal.NewFromInt(50)); err != nil {
		return nil, err
	}
	if cfg.TopUpMax, err = getEnvAsDecimal("TOPUP_MAX", decimal.NewFromInt(50000)); err != nil {
		return nil, err
	}
	if cfg.TopUpMin.GreaterThan(cfg.TopUpMax) {
		return nil, fmt.Errorf("TOPUP_MIN %s is greater than TOPUP_MAX %s", cfg.TopUpMin, cfg.TopUpMax)
	}

	switch cfg.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("env DATABASE_URL is not set")
		}
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.Driver)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if val, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if val, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if val, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return val
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue
	}
	var parts []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	val := getEnv(key, "")
	if val == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("env %s: %q is not a number", key, val)
	}
	return d, nil
}
