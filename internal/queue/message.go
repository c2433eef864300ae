package queue

import (
	"fmt"
	"strings"
	"time"
)

const (
	KindDeliveryFailure = "delivery_failure"
	KindCaptureFailure  = "capture_failure"
	KindQueueExhausted  = "queue_exhausted"
)

// EscalationMessage is the broker payload for one operator alert.
type EscalationMessage struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Subject    string            `json:"subject"`
	Recipient  string            `json:"recipient,omitempty"`
	Message    string            `json:"message"`
	Attempts   int               `json:"attempts,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

func (m EscalationMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("id is required")
	}
	switch m.Kind {
	case KindDeliveryFailure, KindCaptureFailure, KindQueueExhausted:
	default:
		return fmt.Errorf("invalid kind %q", m.Kind)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	return nil
}
