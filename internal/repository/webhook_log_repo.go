package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"gorm.io/gorm"
)

// WebhookLogRepository stores one entry per inbound arrival.
type WebhookLogRepository interface {
	Create(ctx context.Context, e *domain.WebhookLogEntry) error
	Update(ctx context.Context, e *domain.WebhookLogEntry) error
	ListByEvent(ctx context.Context, eventID string) ([]domain.WebhookLogEntry, error)
	ListByRecipient(ctx context.Context, recipientKey string, limit int) ([]domain.WebhookLogEntry, error)
}

var _ WebhookLogRepository = (*GormWebhookLogRepo)(nil)

type GormWebhookLogRepo struct {
	db *gorm.DB
}

func NewGormWebhookLogRepo(db *gorm.DB) *GormWebhookLogRepo {
	return &GormWebhookLogRepo{db: db}
}

func (r *GormWebhookLogRepo) Create(ctx context.Context, e *domain.WebhookLogEntry) error {
	return r.db.WithContext(ctx).Create(webhookLogModelFromDomain(e)).Error
}

func (r *GormWebhookLogRepo) Update(ctx context.Context, e *domain.WebhookLogEntry) error {
	model := webhookLogModelFromDomain(e)
	if model == nil {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&WebhookLogModel{}).
		Where("id = ?", model.ID).
		Updates(map[string]any{
			"status":        model.Status,
			"error":         model.Error,
			"recipient_key": model.RecipientKey,
			"processed_at":  model.ProcessedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormWebhookLogRepo) ListByEvent(ctx context.Context, eventID string) ([]domain.WebhookLogEntry, error) {
	var models []WebhookLogModel
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("received_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return webhookLogModelsToDomain(models), nil
}

func (r *GormWebhookLogRepo) ListByRecipient(ctx context.Context, recipientKey string, limit int) ([]domain.WebhookLogEntry, error) {
	query := r.db.WithContext(ctx).
		Where("recipient_key = ?", recipientKey).
		Order("received_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []WebhookLogModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return webhookLogModelsToDomain(models), nil
}

func webhookLogModelsToDomain(models []WebhookLogModel) []domain.WebhookLogEntry {
	entries := make([]domain.WebhookLogEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *webhookLogModelToDomain(&models[i]))
	}
	return entries
}

var _ WebhookLogRepository = (*MemoryWebhookLogRepo)(nil)

// MemoryWebhookLogRepo keeps the log in process memory for single-node runs
// without a database.
type MemoryWebhookLogRepo struct {
	mu      sync.RWMutex
	entries []domain.WebhookLogEntry
	byID    map[string]int
}

func NewMemoryWebhookLogRepo() *MemoryWebhookLogRepo {
	return &MemoryWebhookLogRepo{byID: make(map[string]int)}
}

func (r *MemoryWebhookLogRepo) Create(_ context.Context, e *domain.WebhookLogEntry) error {
	if e == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[e.ID]; exists {
		return domain.ErrConflict
	}
	r.byID[e.ID] = len(r.entries)
	r.entries = append(r.entries, *e)
	return nil
}

func (r *MemoryWebhookLogRepo) Update(_ context.Context, e *domain.WebhookLogEntry) error {
	if e == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[e.ID]
	if !ok {
		return domain.ErrNotFound
	}
	r.entries[idx] = *e
	return nil
}

func (r *MemoryWebhookLogRepo) ListByEvent(_ context.Context, eventID string) ([]domain.WebhookLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.WebhookLogEntry
	for _, e := range r.entries {
		if e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryWebhookLogRepo) ListByRecipient(_ context.Context, recipientKey string, limit int) ([]domain.WebhookLogEntry, error) {
	r.mu.RLock()
	var out []domain.WebhookLogEntry
	for _, e := range r.entries {
		if e.RecipientKey == recipientKey {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
