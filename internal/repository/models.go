package repository

import (
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
)

// SendAttemptModel is the persistence model for the send_attempts table.
type SendAttemptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	RecipientKey      string               `gorm:"type:varchar(320);not null;index"`
	Payload           string               `gorm:"type:text;not null"`
	Channel           domain.Channel       `gorm:"type:varchar(10);not null"`
	Status            domain.AttemptStatus `gorm:"type:varchar(20);not null"`
	AttemptCount      int                  `gorm:"not null;default:0"`
	NextAttemptAt     *time.Time           `gorm:"type:timestamptz"`
	LastError         *string              `gorm:"type:text"`
	ProviderMessageID *string              `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (SendAttemptModel) TableName() string {
	return "send_attempts"
}

// DeliveryResultModel records the outcome of every provider call for an attempt.
type DeliveryResultModel struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	AttemptID     string         `gorm:"type:uuid;not null"`
	AttemptNumber int            `gorm:"not null"`
	Outcome       domain.Outcome `gorm:"type:varchar(20);not null"`
	Channel       string         `gorm:"type:varchar(10);not null"`
	LatencyMillis int64          `gorm:"not null;default:0"`
	Error         *string        `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryResultModel) TableName() string {
	return "delivery_results"
}

// DedupRecordModel is unique on (provider, event_id).
type DedupRecordModel struct {
	Provider    string              `gorm:"type:varchar(64);primaryKey"`
	EventID     string              `gorm:"type:varchar(255);primaryKey"`
	Status      domain.IngestStatus `gorm:"type:varchar(20);not null"`
	FirstSeenAt time.Time           `gorm:"not null"`
	UpdatedAt   time.Time
}

func (DedupRecordModel) TableName() string {
	return "dedup_records"
}

// WebhookLogModel is the append-mostly audit row for one inbound arrival.
type WebhookLogModel struct {
	ID           string              `gorm:"type:uuid;primaryKey"`
	Provider     string              `gorm:"type:varchar(64);not null"`
	EventID      string              `gorm:"type:varchar(255);not null"`
	EventType    string              `gorm:"type:varchar(128);not null"`
	RecipientKey *string             `gorm:"type:varchar(320)"`
	Status       domain.IngestStatus `gorm:"type:varchar(20);not null"`
	Error        *string             `gorm:"type:text"`
	Payload      []byte              `gorm:"type:jsonb"`
	ReceivedAt   time.Time           `gorm:"not null"`
	ProcessedAt  *time.Time
}

func (WebhookLogModel) TableName() string {
	return "webhook_log"
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func attemptModelFromDomain(a *domain.SendAttempt) *SendAttemptModel {
	if a == nil {
		return nil
	}

	return &SendAttemptModel{
		ID:                a.ID,
		RecipientKey:      a.RecipientKey,
		Payload:           a.Payload,
		Channel:           a.Channel,
		Status:            a.Status,
		AttemptCount:      a.AttemptCount,
		NextAttemptAt:     a.NextAttemptAt,
		LastError:         optionalString(a.LastError),
		ProviderMessageID: optionalString(a.ProviderMessageID),
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func attemptModelToDomain(m *SendAttemptModel) *domain.SendAttempt {
	if m == nil {
		return nil
	}

	return &domain.SendAttempt{
		ID:                m.ID,
		RecipientKey:      m.RecipientKey,
		Payload:           m.Payload,
		Channel:           m.Channel,
		Status:            m.Status,
		AttemptCount:      m.AttemptCount,
		NextAttemptAt:     m.NextAttemptAt,
		LastError:         derefString(m.LastError),
		ProviderMessageID: derefString(m.ProviderMessageID),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func webhookLogModelFromDomain(e *domain.WebhookLogEntry) *WebhookLogModel {
	if e == nil {
		return nil
	}

	return &WebhookLogModel{
		ID:           e.ID,
		Provider:     e.Provider,
		EventID:      e.EventID,
		EventType:    e.EventType,
		RecipientKey: optionalString(e.RecipientKey),
		Status:       e.Status,
		Error:        e.Error,
		Payload:      e.Payload,
		ReceivedAt:   e.ReceivedAt,
		ProcessedAt:  e.ProcessedAt,
	}
}

func webhookLogModelToDomain(m *WebhookLogModel) *domain.WebhookLogEntry {
	if m == nil {
		return nil
	}

	return &domain.WebhookLogEntry{
		ID:           m.ID,
		Provider:     m.Provider,
		EventID:      m.EventID,
		EventType:    m.EventType,
		RecipientKey: derefString(m.RecipientKey),
		Status:       m.Status,
		Error:        m.Error,
		Payload:      m.Payload,
		ReceivedAt:   m.ReceivedAt,
		ProcessedAt:  m.ProcessedAt,
	}
}
