package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                        int    `env:"PORT" envDefault:"8080"`
	LogLevel                    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment                 string `env:"ENVIRONMENT" envDefault:"development"`
	FrontendURL                 string `env:"FRONTEND_URL" envDefault:"*"`
	DatabaseURL                 string `env:"DATABASE_URL"`
	RedisURL                    string `env:"REDIS_URL"`
	AdminPasswordHash           string `env:"ADMIN_PASSWORD_HASH"`
	StaticDir                   string `env:"STATIC_DIR"`
	CodeTTLSeconds              int    `env:"CODE_TTL_SECONDS" envDefault:"900"`
	EstablishedRetentionSeconds int    `env:"ESTABLISHED_RETENTION_SECONDS" envDefault:"30"`
	SweepIntervalSeconds        int    `env:"SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	HistoryRetentionHours       int    `env:"HISTORY_RETENTION_HOURS" envDefault:"168"`
	MaxSignalBytes              int    `env:"MAX_SIGNAL_BYTES" envDefault:"65536"`
	MaxQueuedSignals            int    `env:"MAX_QUEUED_SIGNALS" envDefault:"64"`
	RequirePeerToken            bool   `env:"REQUIRE_PEER_TOKEN" envDefault:"false"`
	IssueRateLimitPerMin        int    `env:"ISSUE_RATE_LIMIT_PER_MIN" envDefault:"30"`
	ClaimRateLimitPerMin        int    `env:"CLAIM_RATE_LIMIT_PER_MIN" envDefault:"60"`
}

func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLSeconds) * time.Second
}

func (c *Config) EstablishedRetention() time.Duration {
	return time.Duration(c.EstablishedRetentionSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionHours) * time.Hour
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	if c.CodeTTLSeconds <= 0 {
		return fmt.Errorf("CODE_TTL_SECONDS must be positive")
	}
	if c.EstablishedRetentionSeconds < 0 {
		return fmt.Errorf("ESTABLISHED_RETENTION_SECONDS must not be negative")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.MaxSignalBytes <= 0 || c.MaxSignalBytes > 1<<20 {
		return fmt.Errorf("MAX_SIGNAL_BYTES must be between 1 and %d", 1<<20)
	}
	if c.MaxQueuedSignals <= 0 {
		return fmt.Errorf("MAX_QUEUED_SIGNALS must be positive")
	}
	if c.IssueRateLimitPerMin <= 0 || c.ClaimRateLimitPerMin <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}

	if c.FrontendURL == "*" {
		log.Warn().Msg("FRONTEND_URL is '*': any origin may call the API")
	}
	if c.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL is empty: session history disabled")
	}
	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: rate limits and push notifications are process-local")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
