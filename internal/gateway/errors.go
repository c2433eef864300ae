package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
)

// Kind tells the caller whether a transport failure may be retried.
type Kind string

const (
	KindRetryable Kind = "retryable"
	KindFatal     Kind = "fatal"
)

// TransportError classifies provider call failures as retryable/fatal.
type TransportError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "transport error ("+string(e.Kind)+")")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsRetryable reports whether an error should be retried. Validation errors
// and fatal provider answers never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrValidation) {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Kind == KindRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// KindForStatus maps a provider HTTP status onto the failure taxonomy.
func KindForStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= http.StatusInternalServerError && statusCode <= 599:
		return KindRetryable
	default:
		return KindFatal
	}
}

// Reason is a low-cardinality label for metrics and logs.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, domain.ErrValidation) {
		return "validation"
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		switch {
		case transportErr.StatusCode == http.StatusTooManyRequests:
			return "provider_throttled"
		case transportErr.StatusCode == http.StatusUnauthorized, transportErr.StatusCode == http.StatusForbidden:
			return "auth"
		case transportErr.StatusCode >= http.StatusInternalServerError:
			return "provider_5xx"
		case transportErr.StatusCode >= http.StatusBadRequest:
			return "bad_recipient"
		case transportErr.Kind == KindRetryable:
			return "connectivity"
		}
	}
	if IsRetryable(err) {
		return "connectivity"
	}
	return "unknown"
}
