// Package capture keeps user submissions in a local durable queue until a
// transport accepts them or the retention period runs out.
package capture

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
)

// ErrNotCaptured means neither durable store accepted the record.
var ErrNotCaptured = errors.New("capture record could not be persisted")

// Store is a durable key-value queue of capture records. Iterate visits
// records in ascending id order.
type Store interface {
	Put(ctx context.Context, record domain.CaptureRecord) error
	Get(ctx context.Context, id string) (domain.CaptureRecord, error)
	Delete(ctx context.Context, id string) error
	Iterate(ctx context.Context, fn func(domain.CaptureRecord) error) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.CaptureRecord
	putFn   func(domain.CaptureRecord) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.CaptureRecord)}
}

// FailPuts makes every subsequent Put return err. A nil err restores writes.
func (s *MemoryStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.putFn = nil
		return
	}
	s.putFn = func(domain.CaptureRecord) error { return err }
}

func (s *MemoryStore) Put(_ context.Context, record domain.CaptureRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putFn != nil {
		if err := s.putFn(record); err != nil {
			return err
		}
	}
	if existing, ok := s.records[record.ID]; ok {
		record.Payload = existing.Payload
	} else {
		record.Payload = domain.ClonePayload(record.Payload)
	}
	s.records[record.ID] = record
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.CaptureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return domain.CaptureRecord{}, domain.ErrNotFound
	}
	record.Payload = domain.ClonePayload(record.Payload)
	return record, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Iterate(ctx context.Context, fn func(domain.CaptureRecord) error) error {
	s.mu.RLock()
	snapshot := make([]domain.CaptureRecord, 0, len(s.records))
	for _, r := range s.records {
		r.Payload = domain.ClonePayload(r.Payload)
		snapshot = append(snapshot, r)
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many records are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
