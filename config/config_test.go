package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key Load reads so the host environment does not leak in.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL", "JWT_SECRET", "CORS_ORIGINS",
		"WEBHOOK_URL", "EARN_RATE", "MAX_TX_RETRIES", "REQUEST_TIMEOUT",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "SERVICE_NAME",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "loyalty.db", cfg.DBPath)
	assert.Equal(t, "1", cfg.EarnRate)
	assert.Equal(t, uint(3), cfg.MaxTxRetries)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.OTLPInsecure)
	assert.Equal(t, "loyalty-engine", cfg.ServiceName)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
}

func TestLoad_EnvThenFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("DB_PATH", "env.db")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("REQUEST_TIMEOUT", "2s")

	cfg, err := Load([]string{"-port", "9100", "-driver", "postgres"})
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port, "flag wins over env")
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "env.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "eighty"},
		{"MAX_TX_RETRIES", "-1"},
		{"REQUEST_TIMEOUT", "soon"},
		{"OTEL_EXPORTER_OTLP_INSECURE", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		DBDriver:       "sqlite",
		DBPath:         ":memory:",
		JWTSecret:      "secret",
		MaxTxRetries:   3,
		RequestTimeout: time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"postgres without url", func(c *Config) { c.DBDriver = "postgres" }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, "mysql"},
		{"zero retries", func(c *Config) { c.MaxTxRetries = 0 }, "MAX_TX_RETRIES"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
