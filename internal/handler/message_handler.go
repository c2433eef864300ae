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

type MessageService interface {
	Send(ctx context.Context, req service.SendRequest) (*service.SendResponse, error)
	Status(ctx context.Context, id string) (domain.SendAttempt, error)
}

type MessageHandler struct {
	service MessageService
}

func NewMessageHandler(service MessageService) (*MessageHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("message service is required")
	}
	return &MessageHandler{service: service}, nil
}

func RegisterMessageRoutes(router fiber.Router, service MessageService) error {
	h, err := NewMessageHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages", h.SendMessage)
	v1.Get("/messages/:id", h.GetMessage)

	return nil
}

type sendMessageRequest struct {
	Recipient string            `json:"recipient"`
	Payload   string            `json:"payload"`
	Content   string            `json:"content"`
	Channel   string            `json:"channel"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type sendMessageResponse struct {
	ID          string     `json:"id"`
	Success     bool       `json:"success"`
	Channel     string     `json:"channel"`
	Status      string     `json:"status"`
	Retryable   bool       `json:"retryable"`
	Error       string     `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

type messageStatusResponse struct {
	ID                string     `json:"id"`
	Recipient         string     `json:"recipient"`
	Channel           string     `json:"channel"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attemptCount"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	Outcome           string     `json:"outcome,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// SendMessage answers 200 when the first call delivered and 202 when a retry
// was scheduled.
func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	sendReq, err := requestToSendRequest(req)
	if err != nil {
		return toHTTPError(err)
	}

	resp, err := h.service.Send(c.UserContext(), sendReq)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if !resp.Success {
		status = fiber.StatusAccepted
	}

	return c.Status(status).JSON(sendMessageResponse{
		ID:          resp.ID,
		Success:     resp.Success,
		Channel:     resp.Channel.String(),
		Status:      resp.Status.String(),
		Retryable:   resp.Retryable,
		Error:       resp.Error,
		NextRetryAt: resp.NextAt,
	})
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	attempt, err := h.service.Status(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toMessageStatusResponse(attempt))
}

func requestToSendRequest(req sendMessageRequest) (service.SendRequest, error) {
	payload := req.Payload
	if payload == "" {
		payload = req.Content
	}

	var channel domain.Channel
	if strings.TrimSpace(req.Channel) != "" {
		parsed, err := domain.ParseChannelFromString(req.Channel)
		if err != nil {
			return service.SendRequest{}, err
		}
		channel = parsed
	}

	return service.SendRequest{
		RecipientKey: req.Recipient,
		Payload:      payload,
		Channel:      channel,
		Metadata:     req.Metadata,
	}, nil
}

func toMessageStatusResponse(a domain.SendAttempt) messageStatusResponse {
	resp := messageStatusResponse{
		ID:                a.ID,
		Recipient:         a.RecipientKey,
		Channel:           a.Channel.String(),
		Status:            a.Status.String(),
		AttemptCount:      a.AttemptCount,
		NextRetryAt:       a.NextAttemptAt,
		LastError:         a.LastError,
		ProviderMessageID: a.ProviderMessageID,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	if a.Result != nil {
		resp.Outcome = string(a.Result.Outcome)
	}
	return resp
}
