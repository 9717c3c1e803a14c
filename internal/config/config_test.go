package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("CodeTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{CodeTTLSeconds: 900}
		assert.Equal(t, 15*time.Minute, cfg.CodeTTL())
	})

	t.Run("EstablishedRetention converts seconds to duration", func(t *testing.T) {
		cfg := &Config{EstablishedRetentionSeconds: 30}
		assert.Equal(t, 30*time.Second, cfg.EstablishedRetention())
	})

	t.Run("IsProduction matches environment", func(t *testing.T) {
		assert.True(t, (&Config{Environment: "production"}).IsProduction())
		assert.False(t, (&Config{Environment: "development"}).IsProduction())
	})

	t.Run("HistoryRetention converts hours to duration", func(t *testing.T) {
		cfg := &Config{HistoryRetentionHours: 24}
		assert.Equal(t, 24*time.Hour, cfg.HistoryRetention())
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, "*", cfg.FrontendURL)
		assert.Equal(t, 900, cfg.CodeTTLSeconds)
		assert.Equal(t, 30, cfg.EstablishedRetentionSeconds)
		assert.Equal(t, 65536, cfg.MaxSignalBytes)
		assert.Equal(t, 64, cfg.MaxQueuedSignals)
		assert.False(t, cfg.RequirePeerToken)
		assert.Empty(t, cfg.DatabaseURL)
		assert.Empty(t, cfg.RedisURL)
		assert.Empty(t, cfg.StaticDir)
		assert.Equal(t, "development", cfg.Environment)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("loads custom values", func(t *testing.T) {
		t.Setenv("PORT", "3000")
		t.Setenv("CODE_TTL_SECONDS", "600")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("REQUIRE_PEER_TOKEN", "true")
		t.Setenv("REDIS_URL", "redis://localhost:6379")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 600, cfg.CodeTTLSeconds)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.True(t, cfg.RequirePeerToken)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	})

	t.Run("fails on malformed numbers", func(t *testing.T) {
		t.Setenv("CODE_TTL_SECONDS", "fifteen")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			CodeTTLSeconds:              900,
			EstablishedRetentionSeconds: 30,
			SweepIntervalSeconds:        60,
			MaxSignalBytes:              65536,
			MaxQueuedSignals:            64,
			IssueRateLimitPerMin:        30,
			ClaimRateLimitPerMin:        60,
			FrontendURL:                 "https://share.example.com",
			DatabaseURL:                 "postgres://localhost/test",
			RedisURL:                    "redis://localhost:6379",
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.CodeTTLSeconds = 0 }},
		{"negative retention", func(c *Config) { c.EstablishedRetentionSeconds = -1 }},
		{"zero sweep interval", func(c *Config) { c.SweepIntervalSeconds = 0 }},
		{"oversized signal limit", func(c *Config) { c.MaxSignalBytes = 2 << 20 }},
		{"zero queue", func(c *Config) { c.MaxQueuedSignals = 0 }},
		{"zero rate limit", func(c *Config) { c.ClaimRateLimitPerMin = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
