// Package notify delivers best-effort operator escalations. Every sink
// swallows its own failures so callers never observe them.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/kursadbilgin/delivery-guard/internal/queue"
	"go.uber.org/zap"
)

type Kind string

const (
	KindDeliveryFailure Kind = queue.KindDeliveryFailure
	KindCaptureFailure  Kind = queue.KindCaptureFailure
	KindQueueExhausted  Kind = queue.KindQueueExhausted
)

// Event describes one thing an operator should look at.
type Event struct {
	ID         string
	Kind       Kind
	Subject    string
	Recipient  string
	Message    string
	Attempts   int
	Fields     map[string]string
	OccurredAt time.Time
}

// Sink is the escalation port. Escalate must not block on slow transports
// longer than its own timeout and must not panic on failure.
type Sink interface {
	Escalate(ctx context.Context, event Event)
}

// Text renders the event as a single chat line.
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Subject)
	if e.Recipient != "" {
		fmt.Fprintf(&b, " recipient=%s", e.Recipient)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " attempts=%d", e.Attempts)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e Event) withDefaults() Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e
}

func (e Event) toMessage() queue.EscalationMessage {
	return queue.EscalationMessage{
		ID:         e.ID,
		Kind:       string(e.Kind),
		Subject:    e.Subject,
		Recipient:  e.Recipient,
		Message:    e.Message,
		Attempts:   e.Attempts,
		Fields:     e.Fields,
		OccurredAt: e.OccurredAt,
	}
}

// FromMessage rebuilds an event consumed from the escalation queue.
func FromMessage(msg queue.EscalationMessage) Event {
	return Event{
		ID:         msg.ID,
		Kind:       Kind(msg.Kind),
		Subject:    msg.Subject,
		Recipient:  msg.Recipient,
		Message:    msg.Message,
		Attempts:   msg.Attempts,
		Fields:     msg.Fields,
		OccurredAt: msg.OccurredAt,
	}
}

type nopSink struct{}

// Nop discards every event.
func Nop() Sink { return nopSink{} }

func (nopSink) Escalate(context.Context, Event) {}

var _ Sink = (*LogSink)(nil)

// LogSink writes escalations to the structured log.
type LogSink struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewLogSink(logger *zap.Logger, metrics *observability.Metrics) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger, metrics: metrics}
}

func (s *LogSink) Escalate(ctx context.Context, event Event) {
	event = event.withDefaults()
	fields := []zap.Field{
		zap.String("escalationId", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("subject", event.Subject),
		zap.String("recipient", event.Recipient),
		zap.Int("attempts", event.Attempts),
		zap.String("message", event.Message),
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.String("field."+k, v))
	}

	observability.WithContextLogger(s.logger, ctx).Error("operator escalation", fields...)
	s.metrics.IncEscalation(string(event.Kind))
}

var _ Sink = MultiSink(nil)

// MultiSink fans one event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Escalate(ctx context.Context, event Event) {
	event = event.withDefaults()
	for _, sink := range m {
		if sink == nil {
			continue
		}
		sink.Escalate(ctx, event)
	}
}
