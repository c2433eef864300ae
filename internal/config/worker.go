package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// MigrateConfig is the subset the migrate command needs.
type MigrateConfig struct {
	DatabaseDSN string `env:"DATABASE_DSN"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

func LoadMigrate() (*MigrateConfig, error) {
	var cfg MigrateConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return nil, fmt.Errorf("failed to load config: DATABASE_DSN is required")
	}
	return &cfg, nil
}

// RelayConfig configures the escalation relay worker.
type RelayConfig struct {
	RabbitMQURL        string `env:"RABBITMQ_URL"`
	OperatorWebhookURL string `env:"OPERATOR_WEBHOOK_URL"`
	RelayConcurrency   int    `env:"RELAY_CONCURRENCY,default=4"`
	Prefetch           int    `env:"RELAY_PREFETCH,default=10"`
	ForwardTimeoutRaw  string `env:"RELAY_FORWARD_TIMEOUT,default=10s"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`

	ForwardTimeout time.Duration
}

func LoadRelay() (*RelayConfig, error) {
	var cfg RelayConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return nil, fmt.Errorf("failed to load config: RABBITMQ_URL is required")
	}
	if strings.TrimSpace(cfg.OperatorWebhookURL) == "" {
		return nil, fmt.Errorf("failed to load config: OPERATOR_WEBHOOK_URL is required")
	}
	if cfg.RelayConcurrency <= 0 || cfg.Prefetch <= 0 {
		return nil, fmt.Errorf("failed to load config: RELAY_CONCURRENCY and RELAY_PREFETCH must be positive")
	}
	timeout, err := parsePositiveDuration(cfg.ForwardTimeoutRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: RELAY_FORWARD_TIMEOUT: %w", err)
	}
	cfg.ForwardTimeout = timeout
	return &cfg, nil
}
