package domain

import (
	"fmt"
	"strings"
	"time"
)

// CaptureStatus represents the lifecycle of a client-side captured submission.
type CaptureStatus string

const (
	CaptureStatusPending  CaptureStatus = "pending"
	CaptureStatusRetrying CaptureStatus = "retrying"
	CaptureStatusResolved CaptureStatus = "resolved"
)

func (s CaptureStatus) String() string { return string(s) }

func (s CaptureStatus) IsValid() bool {
	switch s {
	case CaptureStatusPending, CaptureStatusRetrying, CaptureStatusResolved:
		return true
	}
	return false
}

// CaptureRecord is a user submission held in the local durable queue.
// Payload is a snapshot and must not be mutated after the first write.
type CaptureRecord struct {
	ID            string            `json:"id"`
	Payload       map[string]string `json:"payload"`
	Status        CaptureStatus     `json:"status"`
	RetryCount    int               `json:"retryCount"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	ResolvedVia   string            `json:"resolvedVia,omitempty"`
	Result        *DeliveryResult   `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Age returns how long the record has been held.
func (r *CaptureRecord) Age(now time.Time) time.Duration {
	if r == nil {
		return 0
	}
	return now.Sub(r.CreatedAt)
}

// Expired reports whether the record outlived the retention period.
func (r *CaptureRecord) Expired(now time.Time, retention time.Duration) bool {
	return retention > 0 && r.Age(now) >= retention
}

func (r *CaptureRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: capture record is required", ErrValidation)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: capture id is required", ErrValidation)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: capture payload is empty", ErrValidation)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid capture status %q", ErrValidation, r.Status)
	}
	return nil
}

// ClonePayload returns a copy so callers cannot alter the stored snapshot.
func ClonePayload(payload map[string]string) map[string]string {
	if payload == nil {
		return nil
	}
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
