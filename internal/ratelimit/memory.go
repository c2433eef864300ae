package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
)

const pruneThreshold = 4096

var _ RateLimiter = (*MemoryRateLimiter)(nil)

type windowCounter struct {
	start time.Time
	count int64
}

// MemoryRateLimiter keeps fixed-window counters in process memory.
type MemoryRateLimiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	windows map[string]windowCounter
}

func NewMemoryRateLimiter(cfg Config, c clock.Clock) *MemoryRateLimiter {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryRateLimiter{
		cfg:     cfg.WithDefaults(),
		clock:   c,
		windows: make(map[string]windowCounter),
	}
}

func (l *MemoryRateLimiter) CheckAndReserve(_ context.Context, key string) (Decision, error) {
	normalized, err := NormalizeKey(key)
	if err != nil {
		return Decision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if len(l.windows) > pruneThreshold {
		l.pruneLocked(now)
	}

	keyWindow := l.currentLocked(normalized, now)
	globalWindow := l.currentLocked(GlobalKey, now)

	var resetAt time.Time
	denied := false
	if keyWindow.count >= l.cfg.PerKeyMax {
		denied = true
		resetAt = keyWindow.start.Add(l.cfg.Window)
	}
	if globalWindow.count >= l.cfg.GlobalMax {
		denied = true
		if globalReset := globalWindow.start.Add(l.cfg.Window); globalReset.After(resetAt) {
			resetAt = globalReset
		}
	}
	if denied {
		return Decision{Allowed: false, ResetAt: resetAt}, nil
	}

	keyWindow.count++
	globalWindow.count++
	l.windows[normalized] = keyWindow
	l.windows[GlobalKey] = globalWindow

	return Decision{Allowed: true, ResetAt: keyWindow.start.Add(l.cfg.Window)}, nil
}

// currentLocked returns the live window for key, starting a fresh one when the
// previous window's TTL has elapsed.
func (l *MemoryRateLimiter) currentLocked(key string, now time.Time) windowCounter {
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.cfg.Window)) {
		return windowCounter{start: now}
	}
	return w
}

func (l *MemoryRateLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.cfg.Window)) {
			delete(l.windows, key)
		}
	}
}
