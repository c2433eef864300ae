package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
)

// GlobalKey is the reserved counter shared by every recipient.
const GlobalKey = "__global__"

const (
	DefaultPerKeyMax int64 = 10
	DefaultGlobalMax int64 = 100
	DefaultWindow          = time.Hour
)

// Decision is the outcome of a check-and-reserve call.
type Decision struct {
	Allowed bool
	ResetAt time.Time
}

// RateLimiter gates outbound sends per recipient and globally.
type RateLimiter interface {
	CheckAndReserve(ctx context.Context, key string) (Decision, error)
}

type Config struct {
	PerKeyMax int64
	GlobalMax int64
	Window    time.Duration
}

func (c Config) WithDefaults() Config {
	if c.PerKeyMax <= 0 {
		c.PerKeyMax = DefaultPerKeyMax
	}
	if c.GlobalMax <= 0 {
		c.GlobalMax = DefaultGlobalMax
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// NormalizeKey trims and lowercases a recipient key. Empty keys and the reserved
// global key are caller bugs.
func NormalizeKey(key string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return "", fmt.Errorf("%w: rate limit key is required", domain.ErrValidation)
	}
	if normalized == GlobalKey {
		return "", fmt.Errorf("%w: rate limit key %q is reserved", domain.ErrValidation, key)
	}
	return normalized, nil
}
