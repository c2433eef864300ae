package service

import (
	"context"
	"strings"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"go.uber.org/zap"
)

// Provider event types the server materializes out of the box.
var (
	DeliveredEventTypes = []string{"email.delivered", "message.delivered", "sms.delivered"}
	BouncedEventTypes   = []string{"email.bounced", "email.complained", "message.failed", "sms.failed"}
)

// DeliveryStatusMaterializer turns provider delivery receipts into log lines
// and bounces into operator escalations.
type DeliveryStatusMaterializer struct {
	sink   notify.Sink
	logger *zap.Logger
}

func NewDeliveryStatusMaterializer(sink notify.Sink, logger *zap.Logger) *DeliveryStatusMaterializer {
	if sink == nil {
		sink = notify.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryStatusMaterializer{sink: sink, logger: logger}
}

// RegisterOn binds every known delivery event type to m.
func (m *DeliveryStatusMaterializer) RegisterOn(ingest *WebhookIngest) {
	for _, eventType := range DeliveredEventTypes {
		ingest.Register(eventType, m)
	}
	for _, eventType := range BouncedEventTypes {
		ingest.Register(eventType, m)
	}
}

func (m *DeliveryStatusMaterializer) Materialize(ctx context.Context, event domain.WebhookEvent) error {
	logger := m.logger.With(
		zap.String("provider", event.Provider),
		zap.String("eventId", event.EventID),
		zap.String("recipient", event.RecipientKey),
	)

	if !isBounce(event.EventType) {
		logger.Info("delivery confirmed by provider", zap.String("eventType", event.EventType))
		return nil
	}

	logger.Warn("delivery bounced", zap.String("eventType", event.EventType))
	m.sink.Escalate(ctx, notify.Event{
		Kind:      notify.KindDeliveryFailure,
		Subject:   "Provider reported a bounce",
		Recipient: event.RecipientKey,
		Message:   event.EventType,
		Fields: map[string]string{
			"provider": event.Provider,
			"eventId":  event.EventID,
		},
	})
	return nil
}

func isBounce(eventType string) bool {
	t := strings.ToLower(strings.TrimSpace(eventType))
	for _, b := range BouncedEventTypes {
		if t == b {
			return true
		}
	}
	return false
}
