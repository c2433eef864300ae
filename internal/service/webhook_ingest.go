package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/dedup"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/kursadbilgin/delivery-guard/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultProcessingDeadline = 3 * time.Second
	defaultRecipientLogLimit  = 100
	wildcardEventType         = "*"
)

// Materializer turns one unique provider event into its downstream effect.
type Materializer interface {
	Materialize(ctx context.Context, event domain.WebhookEvent) error
}

// MaterializerFunc adapts a plain function to Materializer.
type MaterializerFunc func(ctx context.Context, event domain.WebhookEvent) error

func (f MaterializerFunc) Materialize(ctx context.Context, event domain.WebhookEvent) error {
	return f(ctx, event)
}

// IngestResult reports the terminal state reached for one arrival.
type IngestResult struct {
	LogID  string
	Status domain.IngestStatus
	Error  string
}

// WebhookIngest converts at-least-once provider delivery into effectively-once
// materialization: every arrival is logged, only the first claim of an event id
// is processed.
type WebhookIngest struct {
	dedup    dedup.Store
	logs     repository.WebhookLogRepository
	clock    clock.Clock
	deadline time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	newID    func() string

	mu            sync.RWMutex
	materializers map[string]Materializer
}

func NewWebhookIngest(
	store dedup.Store,
	logs repository.WebhookLogRepository,
	deadline time.Duration,
	clk clock.Clock,
	logger *zap.Logger,
) (*WebhookIngest, error) {
	if store == nil {
		return nil, fmt.Errorf("dedup store is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("webhook log repository is required")
	}
	if deadline <= 0 {
		deadline = defaultProcessingDeadline
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookIngest{
		dedup:         store,
		logs:          logs,
		clock:         clk,
		deadline:      deadline,
		logger:        logger,
		newID:         uuid.NewString,
		materializers: make(map[string]Materializer),
	}, nil
}

func (s *WebhookIngest) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Register binds a materializer to an event type. "*" matches any type without
// its own materializer.
func (s *WebhookIngest) Register(eventType string, m Materializer) {
	key := strings.ToLower(strings.TrimSpace(eventType))
	if key == "" || m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materializers[key] = m
}

func (s *WebhookIngest) materializerFor(eventType string) (Materializer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.materializers[strings.ToLower(strings.TrimSpace(eventType))]; ok {
		return m, true
	}
	m, ok := s.materializers[wildcardEventType]
	return m, ok
}

// Ingest records and, if the event id is new, materializes one provider event.
// Processing failures end up on the log entry; only storage failures that
// leave the event unclaimed are returned, so the provider redelivers.
func (s *WebhookIngest) Ingest(ctx context.Context, event domain.WebhookEvent) (*IngestResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.EventID = strings.TrimSpace(event.EventID)

	entry := &domain.WebhookLogEntry{
		ID:           s.newID(),
		Provider:     event.Provider,
		EventID:      event.EventID,
		EventType:    event.EventType,
		RecipientKey: event.RecipientKey,
		Status:       domain.IngestStatusReceived,
		Payload:      event.Payload,
		ReceivedAt:   event.ReceivedAt,
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create webhook log entry: %w", err)
	}

	logger := s.logger.With(
		zap.String("provider", event.Provider),
		zap.String("eventId", event.EventID),
		zap.String("eventType", event.EventType),
		zap.String("logId", entry.ID),
	)

	claimed, err := s.dedup.Claim(ctx, event.Provider, event.EventID)
	if err != nil {
		s.finish(ctx, logger, entry, domain.IngestStatusFailed, fmt.Sprintf("dedup claim failed: %v", err))
		return nil, fmt.Errorf("failed to claim event: %w", err)
	}
	if !claimed {
		s.finish(ctx, logger, entry, domain.IngestStatusDuplicate, "")
		logger.Info("duplicate webhook event ignored")
		return &IngestResult{LogID: entry.ID, Status: domain.IngestStatusDuplicate}, nil
	}

	entry.Status = domain.IngestStatusProcessing
	if err := s.logs.Update(ctx, entry); err != nil {
		logger.Warn("failed to mark webhook log entry processing", zap.Error(err))
	}

	m, ok := s.materializerFor(event.EventType)
	if !ok {
		s.resolve(ctx, logger, event, domain.IngestStatusIgnored)
		s.finish(ctx, logger, entry, domain.IngestStatusIgnored, "")
		return &IngestResult{LogID: entry.ID, Status: domain.IngestStatusIgnored}, nil
	}

	status := domain.IngestStatusSuccess
	errMsg := ""
	if err := s.materialize(ctx, m, event); err != nil {
		status = domain.IngestStatusFailed
		errMsg = err.Error()
		logger.Error("webhook materialization failed", zap.Error(err))
	}

	s.resolve(ctx, logger, event, status)
	s.finish(ctx, logger, entry, status, errMsg)
	return &IngestResult{LogID: entry.ID, Status: status, Error: errMsg}, nil
}

func (s *WebhookIngest) materialize(ctx context.Context, m Materializer, event domain.WebhookEvent) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("materializer panicked: %v", r)
		}
	}()

	return m.Materialize(callCtx, event)
}

func (s *WebhookIngest) resolve(ctx context.Context, logger *zap.Logger, event domain.WebhookEvent, status domain.IngestStatus) {
	if err := s.dedup.Resolve(ctx, event.Provider, event.EventID, status); err != nil {
		logger.Warn("failed to resolve dedup record", zap.Error(err))
	}
}

func (s *WebhookIngest) finish(ctx context.Context, logger *zap.Logger, entry *domain.WebhookLogEntry, status domain.IngestStatus, errMsg string) {
	processedAt := s.clock.Now()
	entry.Status = status
	entry.ProcessedAt = &processedAt
	if errMsg != "" {
		entry.Error = &errMsg
	}
	if err := s.logs.Update(ctx, entry); err != nil {
		logger.Error("failed to finalize webhook log entry",
			zap.String("status", status.String()),
			zap.Error(err),
		)
	}
	s.metrics.IncWebhookIngest(entry.Provider, status.String())
}

// ListByEvent returns every arrival recorded for a provider event id.
func (s *WebhookIngest) ListByEvent(ctx context.Context, eventID string) ([]domain.WebhookLogEntry, error) {
	id := strings.TrimSpace(eventID)
	if id == "" {
		return nil, fmt.Errorf("%w: event id is required", domain.ErrValidation)
	}
	return s.logs.ListByEvent(ctx, id)
}

// ListByRecipient returns the most recent arrivals for a logical recipient.
func (s *WebhookIngest) ListByRecipient(ctx context.Context, recipientKey string, limit int) ([]domain.WebhookLogEntry, error) {
	key := strings.TrimSpace(recipientKey)
	if key == "" {
		return nil, fmt.Errorf("%w: recipient key is required", domain.ErrValidation)
	}
	if normalized, _, err := domain.NormalizeRecipient(key); err == nil {
		key = normalized
	}
	if limit <= 0 || limit > defaultRecipientLogLimit {
		limit = defaultRecipientLogLimit
	}
	return s.logs.ListByRecipient(ctx, key, limit)
}

// webhookEnvelope covers the common provider payload shapes: a flat event or
// one with the details nested under "data".
type webhookEnvelope struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Recipient string          `json:"recipient"`
	To        json.RawMessage `json:"to"`
	Email     string          `json:"email"`
	Data      *struct {
		ID        string          `json:"id"`
		EmailID   string          `json:"email_id"`
		Recipient string          `json:"recipient"`
		To        json.RawMessage `json:"to"`
		Email     string          `json:"email"`
	} `json:"data"`
}

// DecodeWebhookEvent extracts the event identity from a provider payload. A
// non-empty headerID (e.g. a signed delivery id header) wins over body fields.
func DecodeWebhookEvent(provider string, body []byte, headerID string, receivedAt time.Time) (domain.WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: malformed webhook body: %v", domain.ErrValidation, err)
	}

	eventID := firstNonEmpty(headerID, env.ID, env.EventID)
	eventType := firstNonEmpty(env.Type, env.Event)
	recipient := firstNonEmpty(env.Recipient, env.Email, firstAddress(env.To))
	if env.Data != nil {
		eventID = firstNonEmpty(eventID, env.Data.ID, env.Data.EmailID)
		recipient = firstNonEmpty(recipient, env.Data.Recipient, env.Data.Email, firstAddress(env.Data.To))
	}
	if normalized, _, err := domain.NormalizeRecipient(recipient); err == nil {
		recipient = normalized
	}

	event := domain.WebhookEvent{
		Provider:     provider,
		EventID:      eventID,
		EventType:    eventType,
		RecipientKey: recipient,
		Payload:      body,
		ReceivedAt:   receivedAt,
	}
	if err := event.Validate(); err != nil {
		return domain.WebhookEvent{}, err
	}
	return event, nil
}

func firstAddress(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
