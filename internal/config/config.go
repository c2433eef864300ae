package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Config is the server configuration, read from the environment. Duration
// knobs arrive as strings and are parsed by Load into the typed fields below.
type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN"`
	RedisURL           string `env:"REDIS_URL"`
	RabbitMQURL        string `env:"RABBITMQ_URL"`
	GatewayURL         string `env:"GATEWAY_URL,required=true"`
	GatewayAuthToken   string `env:"GATEWAY_AUTH_TOKEN"`
	OperatorWebhookURL string `env:"OPERATOR_WEBHOOK_URL"`

	RateLimitPerKey  int `env:"RATE_LIMIT_PER_KEY,default=10"`
	RateLimitGlobal  int `env:"RATE_LIMIT_GLOBAL,default=100"`
	MaxAttempts      int `env:"MAX_ATTEMPTS,default=4"`
	MaxPayloadLength int `env:"MAX_PAYLOAD_LENGTH,default=10000"`
	RelayConcurrency int `env:"RELAY_CONCURRENCY,default=4"`
	EscalationSlots  int `env:"ESCALATION_WORKERS,default=8"`

	RateWindowRaw      string `env:"RATE_WINDOW,default=1h"`
	RetryDelaysRaw     string `env:"RETRY_DELAYS"`
	GatewayTimeoutRaw  string `env:"GATEWAY_TIMEOUT,default=30s"`
	WebhookDeadlineRaw string `env:"WEBHOOK_DEADLINE,default=3s"`
	DedupTTLRaw        string `env:"DEDUP_TTL,default=72h"`
	SchedulerTickRaw   string `env:"SCHEDULER_TICK,default=1s"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	RateWindow      time.Duration
	RetryDelays     []time.Duration
	GatewayTimeout  time.Duration
	WebhookDeadline time.Duration
	DedupTTL        time.Duration
	SchedulerTick   time.Duration
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) parse() error {
	if strings.TrimSpace(c.GatewayURL) == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"RATE_WINDOW", c.RateWindowRaw, &c.RateWindow},
		{"GATEWAY_TIMEOUT", c.GatewayTimeoutRaw, &c.GatewayTimeout},
		{"WEBHOOK_DEADLINE", c.WebhookDeadlineRaw, &c.WebhookDeadline},
		{"DEDUP_TTL", c.DedupTTLRaw, &c.DedupTTL},
		{"SCHEDULER_TICK", c.SchedulerTickRaw, &c.SchedulerTick},
	}
	for _, d := range durations {
		v, err := parsePositiveDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	delays, err := ParseDurationList(c.RetryDelaysRaw)
	if err != nil {
		return fmt.Errorf("RETRY_DELAYS: %w", err)
	}
	c.RetryDelays = delays

	if c.RateLimitPerKey <= 0 || c.RateLimitGlobal <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	if c.MaxPayloadLength <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_LENGTH must be positive")
	}
	return nil
}

// ParseDurationList parses a comma-separated, non-decreasing backoff sequence
// such as "30s,5m,30m". An empty string yields nil.
func ParseDurationList(raw string) ([]time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for i, part := range parts {
		d, err := parsePositiveDuration(part)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		if i > 0 && d < out[i-1] {
			return nil, fmt.Errorf("entry %d (%s) is shorter than the previous one", i+1, d)
		}
		out = append(out, d)
	}
	return out, nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %s must be positive", d)
	}
	return d, nil
}
