package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// APIError carries an HTTP status plus extra headers and body fields.
type APIError struct {
	Code    int
	Message string
	Headers map[string]string
	Fields  fiber.Map
}

func (e *APIError) Error() string {
	return e.Message
}

func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		body := fiber.Map{}

		var apiErr *APIError
		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &apiErr):
			code = apiErr.Code
			for k, v := range apiErr.Headers {
				c.Set(k, v)
			}
			for k, v := range apiErr.Fields {
				body[k] = v
			}
		case errors.As(err, &fiberErr):
			code = fiberErr.Code
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error("request error", fields...)
			body["error"] = "internal server error"
		} else {
			logger.Debug("request rejected", fields...)
			body["error"] = err.Error()
		}

		return c.Status(code).JSON(body)
	}
}
