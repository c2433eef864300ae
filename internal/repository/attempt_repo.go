package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptRepository mirrors retry scheduler state so it survives restarts.
type AttemptRepository interface {
	Upsert(ctx context.Context, a *domain.SendAttempt) error
	GetByID(ctx context.Context, id string) (*domain.SendAttempt, error)
	ListNonTerminal(ctx context.Context, limit int) ([]domain.SendAttempt, error)
	RecordResult(ctx context.Context, attemptID string, attemptNumber int, result domain.DeliveryResult, errMsg string) error
}

var _ AttemptRepository = (*GormAttemptRepo)(nil)

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Upsert(ctx context.Context, a *domain.SendAttempt) error {
	model := attemptModelFromDomain(a)
	if model == nil {
		return nil
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status",
				"attempt_count",
				"next_attempt_at",
				"last_error",
				"provider_message_id",
				"updated_at",
			}),
		}).
		Create(model).Error
}

func (r *GormAttemptRepo) GetByID(ctx context.Context, id string) (*domain.SendAttempt, error) {
	var model SendAttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}

// ListNonTerminal returns attempts still owned by the scheduler, oldest first.
func (r *GormAttemptRepo) ListNonTerminal(ctx context.Context, limit int) ([]domain.SendAttempt, error) {
	query := r.db.WithContext(ctx).
		Where("status NOT IN ?", []domain.AttemptStatus{
			domain.AttemptStatusSucceeded,
			domain.AttemptStatusFailedPermanent,
		}).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []SendAttemptModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	attempts := make([]domain.SendAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts, nil
}

func (r *GormAttemptRepo) RecordResult(
	ctx context.Context,
	attemptID string,
	attemptNumber int,
	result domain.DeliveryResult,
	errMsg string,
) error {
	model := &DeliveryResultModel{
		ID:            uuid.NewString(),
		AttemptID:     attemptID,
		AttemptNumber: attemptNumber,
		Outcome:       result.Outcome,
		Channel:       result.Channel,
		LatencyMillis: result.Latency.Milliseconds(),
		Error:         optionalString(errMsg),
		CreatedAt:     result.Timestamp,
	}
	return r.db.WithContext(ctx).Create(model).Error
}
