package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type sendRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

type sendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

// Options configures HTTPGateway. Zero values fall back to defaults.
type Options struct {
	Timeout          time.Duration
	MaxPayloadLength int
	AuthToken        string
}

var _ Gateway = (*HTTPGateway)(nil)

// HTTPGateway posts messages as JSON to a provider endpoint.
type HTTPGateway struct {
	client     *resty.Client
	endpoint   string
	timeout    time.Duration
	maxPayload int
	logger     *zap.Logger
	now        func() time.Time
}

func NewHTTPGateway(endpoint string, opts Options, logger *zap.Logger) (*HTTPGateway, error) {
	client := resty.New()
	client.SetRetryCount(0)

	return NewHTTPGatewayWithClient(endpoint, client, opts, logger)
}

func NewHTTPGatewayWithClient(endpoint string, client *resty.Client, opts Options, logger *zap.Logger) (*HTTPGateway, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client.GetClient().Timeout == 0 || client.GetClient().Timeout > timeout {
		client.SetTimeout(timeout)
	}
	client.SetRetryCount(0)
	if token := strings.TrimSpace(opts.AuthToken); token != "" {
		client.SetAuthToken(token)
	}

	maxPayload := opts.MaxPayloadLength
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadLength
	}

	return &HTTPGateway{
		client:     client,
		endpoint:   trimmedEndpoint,
		timeout:    timeout,
		maxPayload: maxPayload,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (g *HTTPGateway) Send(ctx context.Context, recipient string, payload string) Result {
	if g == nil || g.client == nil {
		return Result{Err: fmt.Errorf("gateway is not initialized")}
	}

	to, channel, err := Validate(recipient, payload, g.maxPayload)
	if err != nil {
		return Failed(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	startedAt := g.now()
	response, err := g.client.R().
		SetContext(callCtx).
		SetHeader("Content-Type", "application/json").
		SetBody(sendRequest{
			To:      to,
			Channel: strings.ToLower(channel.String()),
			Content: payload,
		}).
		Post(g.endpoint)
	latency := g.now().Sub(startedAt)

	result := Result{Recipient: to, Channel: channel, Latency: latency}

	if err != nil {
		kind := KindRetryable
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			kind = KindFatal
		}
		result.Err = &TransportError{Kind: kind, Message: "provider request failed", Cause: err}
		result.Retryable = kind == KindRetryable
		return result
	}
	if response == nil {
		result.Err = &TransportError{Kind: KindRetryable, Message: "provider returned empty response"}
		result.Retryable = true
		return result
	}

	statusCode := response.StatusCode()
	body := strings.TrimSpace(response.String())
	result.StatusCode = statusCode

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		result.Success = true
		result.ID = providerMessageID(response)
		return result
	}

	kind := KindForStatus(statusCode)
	result.Err = &TransportError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, body),
	}
	result.Retryable = kind == KindRetryable

	g.logger.Debug("provider rejected message",
		zap.Int("statusCode", statusCode),
		zap.String("kind", string(kind)),
		zap.String("channel", channel.String()),
	)
	return result
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	var body sendResponse
	if err := json.Unmarshal(response.Body(), &body); err == nil {
		if id := strings.TrimSpace(body.MessageID); id != "" {
			return id
		}
		return strings.TrimSpace(body.ID)
	}

	return ""
}
