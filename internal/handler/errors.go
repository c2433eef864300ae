package handler

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/gateway"
	"github.com/kursadbilgin/delivery-guard/internal/transport"
)

func toHTTPError(err error) error {
	var rateErr *domain.RateLimitError
	var transportErr *gateway.TransportError

	switch {
	case errors.As(err, &rateErr):
		retryAfter := int(math.Ceil(time.Until(rateErr.ResetAt).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &transport.APIError{
			Code:    fiber.StatusTooManyRequests,
			Message: domain.ErrRateLimited.Error(),
			Headers: map[string]string{fiber.HeaderRetryAfter: strconv.Itoa(retryAfter)},
			Fields: fiber.Map{
				"recipient": rateErr.Key,
				"resetAt":   rateErr.ResetAt.UTC().Format(time.RFC3339),
			},
		}
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.As(err, &transportErr) && transportErr.Kind == gateway.KindFatal:
		return &transport.APIError{
			Code:    fiber.StatusUnprocessableEntity,
			Message: transportErr.Error(),
			Fields:  fiber.Map{"retryable": false, "providerStatus": transportErr.StatusCode},
		}
	default:
		return err
	}
}
