package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
)

const (
	DefaultPrimaryTimeout  = 10 * time.Second
	DefaultFallbackTimeout = 15 * time.Second

	captureIDField = "_capture_id"
	subjectField   = "_subject"
)

// Transport hands a captured record to a remote system. A nil error means the
// remote side accepted it.
type Transport interface {
	Submit(ctx context.Context, record domain.CaptureRecord) error
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, record domain.CaptureRecord) error

func (f TransportFunc) Submit(ctx context.Context, record domain.CaptureRecord) error {
	return f(ctx, record)
}

type primaryRequest struct {
	ID         string            `json:"id"`
	Payload    map[string]string `json:"payload"`
	CapturedAt time.Time         `json:"capturedAt"`
}

var _ Transport = (*PrimaryTransport)(nil)

// PrimaryTransport posts the record as JSON to the application backend. The
// record id travels as the idempotency key so a sweep replaying a submission
// the backend already stored is harmless.
type PrimaryTransport struct {
	client   *resty.Client
	endpoint string
}

func NewPrimaryTransport(endpoint string, timeout time.Duration, authToken string) (*PrimaryTransport, error) {
	ep, err := parseEndpoint(endpoint, "primary")
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultPrimaryTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	if token := strings.TrimSpace(authToken); token != "" {
		client.SetAuthToken(token)
	}

	return &PrimaryTransport{client: client, endpoint: ep}, nil
}

func (t *PrimaryTransport) Submit(ctx context.Context, record domain.CaptureRecord) error {
	response, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", record.ID).
		SetBody(primaryRequest{
			ID:         record.ID,
			Payload:    record.Payload,
			CapturedAt: record.CreatedAt,
		}).
		Post(t.endpoint)
	if err != nil {
		return fmt.Errorf("primary submission failed: %w", err)
	}
	return checkStatus("primary", response)
}

var _ Transport = (*FallbackTransport)(nil)

// FallbackTransport posts the record as plain form fields to a hosted relay
// that forwards them by email. It shares nothing with the backend.
type FallbackTransport struct {
	client   *resty.Client
	endpoint string
	subject  string
}

func NewFallbackTransport(endpoint string, timeout time.Duration, subject string) (*FallbackTransport, error) {
	ep, err := parseEndpoint(endpoint, "fallback")
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultFallbackTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return &FallbackTransport{client: client, endpoint: ep, subject: strings.TrimSpace(subject)}, nil
}

func (t *FallbackTransport) Submit(ctx context.Context, record domain.CaptureRecord) error {
	form := make(map[string]string, len(record.Payload)+2)
	for k, v := range record.Payload {
		form[k] = v
	}
	form[captureIDField] = record.ID
	if t.subject != "" {
		form[subjectField] = t.subject
	}

	response, err := t.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFormData(form).
		Post(t.endpoint)
	if err != nil {
		return fmt.Errorf("fallback relay failed: %w", err)
	}
	return checkStatus("fallback", response)
}

func parseEndpoint(endpoint string, name string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("%s endpoint is required", name)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return "", fmt.Errorf("invalid %s endpoint: %w", name, err)
	}
	return trimmed, nil
}

func checkStatus(name string, response *resty.Response) error {
	if response == nil {
		return fmt.Errorf("%s returned empty response", name)
	}
	code := response.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}
	body := strings.TrimSpace(response.String())
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Errorf("%s returned status %d", name, code)
	}
	return fmt.Errorf("%s returned status %d: %s", name, code, body)
}
