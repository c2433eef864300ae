package domain

import (
	"fmt"
	"strings"
	"time"
)

// IngestStatus is the disposition recorded for one inbound webhook arrival.
type IngestStatus string

const (
	IngestStatusReceived   IngestStatus = "received"
	IngestStatusProcessing IngestStatus = "processing"
	IngestStatusSuccess    IngestStatus = "success"
	IngestStatusFailed     IngestStatus = "failed"
	IngestStatusDuplicate  IngestStatus = "duplicate"
	IngestStatusIgnored    IngestStatus = "ignored"
)

func (s IngestStatus) String() string { return string(s) }

func (s IngestStatus) IsTerminal() bool {
	switch s {
	case IngestStatusSuccess, IngestStatusFailed, IngestStatusDuplicate, IngestStatusIgnored:
		return true
	}
	return false
}

// WebhookEvent is a provider-shaped inbound event.
type WebhookEvent struct {
	Provider     string
	EventID      string
	EventType    string
	RecipientKey string
	Payload      []byte
	ReceivedAt   time.Time
}

func (e *WebhookEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is required", ErrValidation)
	}
	if strings.TrimSpace(e.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrValidation)
	}
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrValidation)
	}
	return nil
}

// DedupRecord marks a provider event id as already seen.
type DedupRecord struct {
	Provider    string
	EventID     string
	Status      IngestStatus
	FirstSeenAt time.Time
}

// WebhookLogEntry is the operator-facing record of one arrival.
type WebhookLogEntry struct {
	ID           string
	Provider     string
	EventID      string
	EventType    string
	RecipientKey string
	Status       IngestStatus
	Error        *string
	Payload      []byte
	ReceivedAt   time.Time
	ProcessedAt  *time.Time
}
