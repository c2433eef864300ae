// Package gateway sends one message to one recipient through the upstream
// delivery provider and classifies the outcome.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxPayloadLength = 10000
)

// Gateway is the outbound delivery port.
type Gateway interface {
	Send(ctx context.Context, recipient string, payload string) Result
}

// Result is the outcome of a single provider call. Err is nil on success.
type Result struct {
	Success    bool
	ID         string
	Recipient  string
	Channel    domain.Channel
	StatusCode int
	Latency    time.Duration
	Err        error
	Retryable  bool
}

// Failed builds a failed result from err and its classification.
func Failed(err error) Result {
	return Result{Err: err, Retryable: IsRetryable(err)}
}

// Validate normalizes the recipient and checks payload bounds. It never
// touches the network.
func Validate(recipient string, payload string, maxLength int) (string, domain.Channel, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxPayloadLength
	}
	if strings.TrimSpace(payload) == "" {
		return "", "", fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}
	if n := utf8.RuneCountInString(payload); n > maxLength {
		return "", "", fmt.Errorf("%w: payload length %d exceeds %d", domain.ErrValidation, n, maxLength)
	}

	normalized, channel, err := domain.NormalizeRecipient(recipient)
	if err != nil {
		return "", "", err
	}
	return normalized, channel, nil
}

// Func adapts a plain function to Gateway.
type Func func(ctx context.Context, recipient string, payload string) Result

func (f Func) Send(ctx context.Context, recipient string, payload string) Result {
	return f(ctx, recipient, payload)
}
