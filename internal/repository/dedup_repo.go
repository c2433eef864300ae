package repository

import (
	"context"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/dedup"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ dedup.Store = (*GormDedupRepo)(nil)

// GormDedupRepo is the durable source of truth for processed event ids.
type GormDedupRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormDedupRepo(db *gorm.DB) *GormDedupRepo {
	return &GormDedupRepo{db: db, now: time.Now}
}

// Claim inserts the record and ignores conflicts on (provider, event_id). Zero
// affected rows means another arrival already owns the id.
func (r *GormDedupRepo) Claim(ctx context.Context, provider string, eventID string) (bool, error) {
	if _, err := dedup.Key(provider, eventID); err != nil {
		return false, err
	}

	now := r.now().UTC()
	model := &DedupRecordModel{
		Provider:    strings.ToLower(strings.TrimSpace(provider)),
		EventID:     strings.TrimSpace(eventID),
		Status:      domain.IngestStatusProcessing,
		FirstSeenAt: now,
		UpdatedAt:   now,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormDedupRepo) Resolve(ctx context.Context, provider string, eventID string, status domain.IngestStatus) error {
	result := r.db.WithContext(ctx).
		Model(&DedupRecordModel{}).
		Where("provider = ? AND event_id = ?", strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(eventID)).
		Updates(map[string]any{
			"status":     status,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
