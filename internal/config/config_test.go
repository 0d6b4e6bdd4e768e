package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "HOLD_TTL", "SLOT_GRANULARITY", "PAYMENT_PROVIDER",
		"AVAILABILITY_BACKEND", "RESERVATION_BACKEND", "WORKFLOW_BACKEND", "DATABASE_URL",
		"REDIS_ADDR", "STRIPE_SECRET_KEY", "CORS_ALLOWED_ORIGINS", "EMAIL_PROVIDER",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 10*time.Minute, cfg.HoldTTL)
	assert.Equal(t, 24*time.Hour, cfg.ReservationRetention)
	assert.Equal(t, 30*time.Minute, cfg.SlotGranularity)
	assert.Equal(t, int64(50000), cfg.ConsultationFeeMinor)
	assert.Equal(t, "inr", cfg.ConsultationCurrency)
	assert.Equal(t, BackendMemory, cfg.ReservationBackend)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("HOLD_TTL", "5m")
	t.Setenv("RESERVATION_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5*time.Minute, cfg.HoldTTL)
	assert.Equal(t, BackendPostgres, cfg.ReservationBackend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadReadsEnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=7070\nSLOT_GRANULARITY=15m\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("SLOT_GRANULARITY")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.SlotGranularity)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero hold ttl", map[string]string{"HOLD_TTL": "0s"}},
		{"hold ttl over an hour", map[string]string{"HOLD_TTL": "2h"}},
		{"sub-minute granularity", map[string]string{"SLOT_GRANULARITY": "90s"}},
		{"unknown backend", map[string]string{"RESERVATION_BACKEND": "sqlite"}},
		{"postgres without url", map[string]string{"RESERVATION_BACKEND": "postgres"}},
		{"stripe without key", map[string]string{"PAYMENT_PROVIDER": "stripe"}},
		{"redis without addr", map[string]string{"AVAILABILITY_BACKEND": "redis"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
