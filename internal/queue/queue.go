// Package queue carries operator escalations over RabbitMQ from the services
// that raise them to the relay worker that forwards them.
package queue

import "context"

// Publisher publishes escalation messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg EscalationMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg EscalationMessage) error

// Consumer consumes escalation messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	EscalationQueue = "ops.escalations"
	EscalationDLQ   = "dlq.ops.escalations"

	maxPriority int32 = 3
)

// PriorityValue orders escalations so exhausted queues reach the operator
// ahead of single failures.
func PriorityValue(kind string) uint8 {
	switch kind {
	case KindQueueExhausted:
		return 3
	case KindCaptureFailure:
		return 2
	case KindDeliveryFailure:
		return 1
	default:
		return 0
	}
}
