package notify

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-guard/internal/queue"
	"go.uber.org/zap"
)

var _ Sink = (*QueueSink)(nil)

// QueueSink hands escalations to the broker; the relay worker forwards them.
type QueueSink struct {
	publisher queue.Publisher
	queueName string
	logger    *zap.Logger
}

func NewQueueSink(publisher queue.Publisher, logger *zap.Logger) (*QueueSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueSink{publisher: publisher, queueName: queue.EscalationQueue, logger: logger}, nil
}

func (s *QueueSink) Escalate(ctx context.Context, event Event) {
	event = event.withDefaults()
	if err := s.publisher.Publish(ctx, s.queueName, event.toMessage()); err != nil {
		s.logger.Warn("failed to publish escalation",
			zap.String("escalationId", event.ID),
			zap.String("kind", string(event.Kind)),
			zap.String("queue", s.queueName),
			zap.Error(err),
		)
	}
}
