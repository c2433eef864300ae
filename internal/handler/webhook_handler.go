package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/service"
)

const (
	defaultRecipientLimit = 50
	maxRecipientLimit     = 500
)

// Header names providers use for their delivery id, in lookup order.
var webhookIDHeaders = []string{"X-Webhook-ID", "svix-id", "X-Event-ID"}

type WebhookService interface {
	Ingest(ctx context.Context, event domain.WebhookEvent) (*service.IngestResult, error)
	ListByEvent(ctx context.Context, eventID string) ([]domain.WebhookLogEntry, error)
	ListByRecipient(ctx context.Context, recipientKey string, limit int) ([]domain.WebhookLogEntry, error)
}

type WebhookHandler struct {
	service WebhookService
}

func NewWebhookHandler(service WebhookService) (*WebhookHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("webhook service is required")
	}
	return &WebhookHandler{service: service}, nil
}

func RegisterWebhookRoutes(router fiber.Router, service WebhookService) error {
	h, err := NewWebhookHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1/webhooks")
	v1.Get("/events/:eventId", h.ListByEvent)
	v1.Get("/recipients/:key", h.ListByRecipient)
	v1.Post("/:provider", h.Receive)

	return nil
}

type ingestResponse struct {
	LogID  string `json:"logId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type webhookLogResponse struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	EventID     string     `json:"eventId"`
	EventType   string     `json:"eventType,omitempty"`
	Recipient   string     `json:"recipient,omitempty"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

type webhookLogListResponse struct {
	Data []webhookLogResponse `json:"data"`
}

// Receive acknowledges every decodable event with 200, including duplicates
// and failed materializations. Only storage failures surface as 5xx so the
// provider redelivers.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	provider := strings.TrimSpace(c.Params("provider"))

	event, err := service.DecodeWebhookEvent(provider, c.Body(), webhookHeaderID(c), time.Time{})
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.Ingest(c.UserContext(), event)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(ingestResponse{
		LogID:  result.LogID,
		Status: result.Status.String(),
		Error:  result.Error,
	})
}

func (h *WebhookHandler) ListByEvent(c *fiber.Ctx) error {
	entries, err := h.service.ListByEvent(c.UserContext(), strings.TrimSpace(c.Params("eventId")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(webhookLogListResponse{Data: toWebhookLogResponses(entries)})
}

func (h *WebhookHandler) ListByRecipient(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultRecipientLimit)
	if limit < 1 || limit > maxRecipientLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxRecipientLimit))
	}

	entries, err := h.service.ListByRecipient(c.UserContext(), c.Params("key"), limit)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(webhookLogListResponse{Data: toWebhookLogResponses(entries)})
}

func webhookHeaderID(c *fiber.Ctx) string {
	for _, name := range webhookIDHeaders {
		if value := strings.TrimSpace(c.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func toWebhookLogResponses(entries []domain.WebhookLogEntry) []webhookLogResponse {
	responses := make([]webhookLogResponse, 0, len(entries))
	for _, e := range entries {
		responses = append(responses, webhookLogResponse{
			ID:          e.ID,
			Provider:    e.Provider,
			EventID:     e.EventID,
			EventType:   e.EventType,
			Recipient:   e.RecipientKey,
			Status:      e.Status.String(),
			Error:       e.Error,
			ReceivedAt:  e.ReceivedAt,
			ProcessedAt: e.ProcessedAt,
		})
	}
	return responses
}
