package queue

import (
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const deadLetterExchange = "ops.escalations.dlx"

// RabbitMQ owns one broker connection. A dropped connection is redialed on
// the next channel request, and the escalation topology is declared on every
// dial so a fresh broker needs no manual setup.
type RabbitMQ struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}
	if _, err := r.connection(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := r.conn
	r.conn = nil
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

func (r *RabbitMQ) channel() (*amqp.Channel, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	return ch, nil
}

func (r *RabbitMQ) connection() (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	if err := declareTopology(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	r.conn = conn
	return conn, nil
}

// declareTopology sets up the escalation queue and its dead-letter queue.
// Rejected or twice-failed escalations are parked on the DLQ for inspection.
func declareTopology(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.ExchangeDeclare(deadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(EscalationDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare %s: %w", EscalationDLQ, err)
	}
	if err := ch.QueueBind(EscalationDLQ, EscalationQueue, deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s: %w", EscalationDLQ, err)
	}
	if _, err := ch.QueueDeclare(EscalationQueue, true, false, false, false, escalationQueueArgs()); err != nil {
		return fmt.Errorf("failed to declare %s: %w", EscalationQueue, err)
	}
	return nil
}

func escalationQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": EscalationQueue,
		"x-max-priority":            maxPriority,
	}
}
