package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/gateway"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/kursadbilgin/delivery-guard/internal/ratelimit"
	"go.uber.org/zap"
)

// SendRequest is the outbound entrypoint input. Channel is optional and, when
// set, must match the channel the recipient implies.
type SendRequest struct {
	RecipientKey string
	Payload      string
	Channel      domain.Channel
	Metadata     map[string]string
}

// SendResponse mirrors the caller contract: a retryable first failure is not an
// error, it comes back as Status=SCHEDULED with Retryable=true.
type SendResponse struct {
	ID        string
	Success   bool
	Channel   domain.Channel
	Status    domain.AttemptStatus
	Retryable bool
	Error     string
	NextAt    *time.Time
}

type OutboundService struct {
	limiter          ratelimit.RateLimiter
	gateway          gateway.Gateway
	retries          *RetryScheduler
	maxPayloadLength int
	logger           *zap.Logger
	metrics          *observability.Metrics
	newID            func() string
}

func NewOutboundService(
	limiter ratelimit.RateLimiter,
	gw gateway.Gateway,
	retries *RetryScheduler,
	maxPayloadLength int,
	logger *zap.Logger,
) (*OutboundService, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("retry scheduler is required")
	}
	if maxPayloadLength <= 0 {
		maxPayloadLength = gateway.DefaultMaxPayloadLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OutboundService{
		limiter:          limiter,
		gateway:          gw,
		retries:          retries,
		maxPayloadLength: maxPayloadLength,
		logger:           logger,
		newID:            uuid.NewString,
	}, nil
}

func (s *OutboundService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Send validates, reserves rate budget, makes the first provider call and
// hands the attempt to the retry scheduler. Validation, rate-limit and fatal
// provider failures are returned as errors; retryable ones are absorbed.
func (s *OutboundService) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	recipient, channel, err := gateway.Validate(req.RecipientKey, req.Payload, s.maxPayloadLength)
	if err != nil {
		return nil, err
	}
	if req.Channel != "" && req.Channel != channel {
		return nil, fmt.Errorf("%w: recipient %q cannot be reached over %s", domain.ErrValidation, req.RecipientKey, req.Channel)
	}

	decision, err := s.limiter.CheckAndReserve(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("rate limiter check failed: %w", err)
	}
	if !decision.Allowed {
		s.metrics.IncRateLimited("send")
		return nil, &domain.RateLimitError{Key: recipient, ResetAt: decision.ResetAt}
	}

	attempt := domain.SendAttempt{
		ID:           s.newID(),
		RecipientKey: recipient,
		Payload:      req.Payload,
		Channel:      channel,
		Status:       domain.AttemptStatusPending,
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("attemptId", attempt.ID),
		zap.String("channel", channel.String()),
	)

	result := s.gateway.Send(ctx, recipient, req.Payload)
	s.metrics.ObserveSendDuration(channel.String(), result.Latency)

	tracked, err := s.retries.Track(ctx, attempt, result)
	if err != nil {
		return nil, fmt.Errorf("failed to track send attempt: %w", err)
	}

	resp := &SendResponse{
		ID:        tracked.ID,
		Success:   result.Success,
		Channel:   tracked.Channel,
		Status:    tracked.Status,
		Retryable: result.Retryable,
		NextAt:    tracked.NextAttemptAt,
	}

	switch {
	case result.Success:
		logger.Info("message sent", zap.String("providerMessageId", tracked.ProviderMessageID))
		return resp, nil
	case result.Retryable:
		resp.Error = tracked.LastError
		logger.Warn("first send failed, retry scheduled",
			zap.String("status", tracked.Status.String()),
			zap.Error(result.Err),
		)
		return resp, nil
	default:
		logger.Warn("send failed permanently", zap.Error(result.Err))
		return nil, result.Err
	}
}

// Status returns the current state of a send attempt.
func (s *OutboundService) Status(ctx context.Context, id string) (domain.SendAttempt, error) {
	return s.retries.Get(ctx, id)
}
