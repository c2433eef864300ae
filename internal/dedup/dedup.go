// Package dedup guards inbound provider events against redelivery.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"go.uber.org/zap"
)

// Store maps provider event ids to "already processed" records. Claim is the
// single check-or-insert mutation point.
type Store interface {
	Claim(ctx context.Context, provider string, eventID string) (bool, error)
	Resolve(ctx context.Context, provider string, eventID string, status domain.IngestStatus) error
}

// Cache is a fast Store whose claims can be undone when the durable claim
// behind it fails.
type Cache interface {
	Store
	Release(ctx context.Context, provider string, eventID string) error
}

// Key builds the composite identity of an inbound event.
func Key(provider string, eventID string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	id := strings.TrimSpace(eventID)
	if p == "" || id == "" {
		return "", fmt.Errorf("%w: provider and event id are required", domain.ErrValidation)
	}
	return p + ":" + id, nil
}

var _ Cache = (*MemoryStore)(nil)

type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[string]domain.DedupRecord
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{clock: c, records: make(map[string]domain.DedupRecord)}
}

func (s *MemoryStore) Claim(_ context.Context, provider string, eventID string) (bool, error) {
	key, err := Key(provider, eventID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = domain.DedupRecord{
		Provider:    strings.ToLower(strings.TrimSpace(provider)),
		EventID:     strings.TrimSpace(eventID),
		Status:      domain.IngestStatusProcessing,
		FirstSeenAt: s.clock.Now(),
	}
	return true, nil
}

func (s *MemoryStore) Resolve(_ context.Context, provider string, eventID string, status domain.IngestStatus) error {
	key, err := Key(provider, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return domain.ErrNotFound
	}
	record.Status = status
	s.records[key] = record
	return nil
}

// Release forgets a claim so the event can be claimed again.
func (s *MemoryStore) Release(_ context.Context, provider string, eventID string) error {
	key, err := Key(provider, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Get returns the stored record, mainly for inspection in tests.
func (s *MemoryStore) Get(provider string, eventID string) (domain.DedupRecord, bool) {
	key, err := Key(provider, eventID)
	if err != nil {
		return domain.DedupRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	return record, ok
}

var _ Store = (*Layered)(nil)

// Layered consults a fast cache first and treats the durable store as the source
// of truth. A cache hit short-circuits; a cache outage falls through to durable.
// A cache claim is released when the durable claim fails, so a redelivery is
// not mistaken for a duplicate.
type Layered struct {
	fast    Cache
	durable Store
	logger  *zap.Logger
}

func NewLayered(fast Cache, durable Store, logger *zap.Logger) (*Layered, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable dedup store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layered{fast: fast, durable: durable, logger: logger}, nil
}

func (l *Layered) Claim(ctx context.Context, provider string, eventID string) (bool, error) {
	cached := false
	if l.fast != nil {
		claimed, err := l.fast.Claim(ctx, provider, eventID)
		switch {
		case err != nil:
			l.logger.Warn("dedup cache claim failed, using durable store",
				zap.String("provider", provider),
				zap.String("eventId", eventID),
				zap.Error(err),
			)
		case !claimed:
			return false, nil
		default:
			cached = true
		}
	}

	claimed, err := l.durable.Claim(ctx, provider, eventID)
	if err != nil && cached {
		if releaseErr := l.fast.Release(context.WithoutCancel(ctx), provider, eventID); releaseErr != nil {
			l.logger.Error("failed to release dedup cache claim",
				zap.String("provider", provider),
				zap.String("eventId", eventID),
				zap.Error(releaseErr),
			)
		}
	}
	return claimed, err
}

func (l *Layered) Resolve(ctx context.Context, provider string, eventID string, status domain.IngestStatus) error {
	if l.fast != nil {
		if err := l.fast.Resolve(ctx, provider, eventID, status); err != nil {
			l.logger.Debug("dedup cache resolve skipped",
				zap.String("provider", provider),
				zap.String("eventId", eventID),
				zap.Error(err),
			)
		}
	}
	return l.durable.Resolve(ctx, provider, eventID, status)
}

// DefaultTTL bounds how long the cache remembers an event id.
const DefaultTTL = 72 * time.Hour
