package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("TOPUP_MIN", "")
	t.Setenv("TOPUP_MAX", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, "50", cfg.TopUpMin.String())
	assert.Equal(t, "50000", cfg.TopUpMax.String())
	assert.Equal(t, 10, cfg.MaxGenerations)
	assert.Equal(t, 5, cfg.GenerationBand)
	assert.Equal(t, 10*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyRetention)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/credit")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TOPUP_MIN", "100.50")
	t.Setenv("LENIENT_PACKAGES", "true")
	t.Setenv("REAPER_INTERVAL", "30s")
	t.Setenv("MAX_GENERATIONS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "100.5", cfg.TopUpMin.String())
	assert.True(t, cfg.LenientPackages)
	assert.Equal(t, 30*time.Second, cfg.ReaperInterval)
	assert.Equal(t, 10, cfg.MaxGenerations, "malformed value keeps default")
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"bad min":          {"TOPUP_MIN": "fifty"},
		"min above max":    {"TOPUP_MIN": "600", "TOPUP_MAX": "500"},
		"postgres w/o dsn": {"DB_DRIVER": "postgres", "DATABASE_URL": ""},
		"unknown driver":   {"DB_DRIVER": "oracle"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
