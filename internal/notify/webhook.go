package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookPayload struct {
	Text       string            `json:"text"`
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Subject    string            `json:"subject"`
	Recipient  string            `json:"recipient,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

var _ Sink = (*WebhookSink)(nil)

// WebhookSink posts escalations to an operator chat webhook.
type WebhookSink struct {
	client   *resty.Client
	endpoint string
	logger   *zap.Logger
}

func NewWebhookSink(endpoint string, timeout time.Duration, logger *zap.Logger) (*WebhookSink, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("operator webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid operator webhook endpoint: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return &WebhookSink{client: client, endpoint: trimmedEndpoint, logger: logger}, nil
}

// Post delivers the event and reports the failure. The relay worker uses it
// so a failed forward is retried from the queue.
func (s *WebhookSink) Post(ctx context.Context, event Event) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("webhook sink is not initialized")
	}
	event = event.withDefaults()

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{
			Text:       event.Text(),
			ID:         event.ID,
			Kind:       string(event.Kind),
			Subject:    event.Subject,
			Recipient:  event.Recipient,
			Attempts:   event.Attempts,
			Fields:     event.Fields,
			OccurredAt: event.OccurredAt,
		}).
		Post(s.endpoint)
	if err != nil {
		return fmt.Errorf("operator webhook request failed: %w", err)
	}
	if code := response.StatusCode(); code < http.StatusOK || code >= http.StatusMultipleChoices {
		return fmt.Errorf("operator webhook returned status %d", code)
	}
	return nil
}

func (s *WebhookSink) Escalate(ctx context.Context, event Event) {
	if err := s.Post(ctx, event); err != nil {
		s.logger.Warn("operator escalation not delivered",
			zap.String("kind", string(event.Kind)),
			zap.String("subject", event.Subject),
			zap.Error(err),
		)
	}
}
