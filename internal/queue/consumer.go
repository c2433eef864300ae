package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	resubscribeDelay    = time.Second
	maxResubscribeDelay = 30 * time.Second
)

var _ Consumer = (*RabbitMQConsumer)(nil)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{client: client, prefetch: prefetch, logger: logger}
}

// Consume runs handler for every delivery until ctx is cancelled. A lost
// subscription is re-established with a doubling delay.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	delay := resubscribeDelay
	for {
		err := c.subscribe(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("escalation subscription lost",
			zap.String("queue", queue),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxResubscribeDelay)
	}
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel()
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handle(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

// settle picks the broker outcome for one delivery. Undecodable messages go
// straight to the DLQ; a handler failure is retried once before it does.
func settle(decodeErr error, handlerErr error, redelivered bool) settlement {
	switch {
	case decodeErr != nil:
		return settleDeadLetter
	case handlerErr == nil:
		return settleAck
	case redelivered:
		return settleDeadLetter
	default:
		return settleRequeue
	}
}

func decode(body []byte) (EscalationMessage, error) {
	var msg EscalationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return EscalationMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return EscalationMessage{}, err
	}
	return msg, nil
}

func (c *RabbitMQConsumer) handle(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, decodeErr := decode(d.Body)
	var handlerErr error
	if decodeErr == nil {
		handlerErr = handler(ctx, msg)
	}

	logger := c.logger.With(zap.String("escalationId", msg.ID), zap.String("messageId", d.MessageId))
	switch settle(decodeErr, handlerErr, d.Redelivered) {
	case settleAck:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
	case settleRequeue:
		logger.Warn("escalation forward failed, requeueing", zap.Error(handlerErr))
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("failed to requeue delivery: %w", err)
		}
	case settleDeadLetter:
		logger.Error("escalation dead-lettered", zap.NamedError("decodeError", decodeErr), zap.NamedError("handlerError", handlerErr))
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to dead-letter delivery: %w", err)
		}
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
