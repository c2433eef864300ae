package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/gateway"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/kursadbilgin/delivery-guard/internal/ratelimit"
	"github.com/kursadbilgin/delivery-guard/internal/repository"
	"github.com/kursadbilgin/delivery-guard/internal/scheduler"
	"go.uber.org/zap"
)

const (
	defaultSchedulerTick  = time.Second
	defaultRecoverLimit   = 10000
	terminalRetentionTime = 24 * time.Hour
	limiterErrorBackoff   = 30 * time.Second
	inFlightRearmDelay    = time.Second
)

// DefaultRetryDelays is the backoff sequence used when none is configured.
var DefaultRetryDelays = []time.Duration{30 * time.Second, 5 * time.Minute, 30 * time.Minute}

// RetryPolicy is a fixed, non-decreasing delay sequence. MaxAttempts counts
// provider calls including the first one.
type RetryPolicy struct {
	Delays      []time.Duration
	MaxAttempts int
}

func (p RetryPolicy) normalize() (RetryPolicy, error) {
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	for i, d := range delays {
		if d <= 0 {
			return RetryPolicy{}, fmt.Errorf("%w: retry delay #%d must be positive", domain.ErrValidation, i+1)
		}
		if i > 0 && d < delays[i-1] {
			return RetryPolicy{}, fmt.Errorf("%w: retry delays must be non-decreasing", domain.ErrValidation)
		}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(delays) + 1
	}

	return RetryPolicy{
		Delays:      append([]time.Duration(nil), delays...),
		MaxAttempts: maxAttempts,
	}, nil
}

// Delay returns the wait after the given number of failed calls. Past the end
// of the sequence the last delay repeats.
func (p RetryPolicy) Delay(failedCalls int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := failedCalls - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx]
}

// RetryScheduler owns every SendAttempt from its first provider call until a
// terminal state. Timers live in a clock-driven task queue; state lives in
// memory and is mirrored to the attempt repository when one is configured.
type RetryScheduler struct {
	gateway  gateway.Gateway
	limiter  ratelimit.RateLimiter
	attempts repository.AttemptRepository
	sink     notify.Sink
	policy   RetryPolicy
	clock    clock.Clock
	queue    *scheduler.Queue
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	state    map[string]*domain.SendAttempt
	inFlight map[string]struct{}
}

func NewRetryScheduler(
	gw gateway.Gateway,
	limiter ratelimit.RateLimiter,
	attempts repository.AttemptRepository,
	sink notify.Sink,
	policy RetryPolicy,
	clk clock.Clock,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	normalized, err := policy.normalize()
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = notify.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RetryScheduler{
		gateway:  gw,
		limiter:  limiter,
		attempts: attempts,
		sink:     sink,
		policy:   normalized,
		clock:    clk,
		logger:   logger,
		state:    make(map[string]*domain.SendAttempt),
		inFlight: make(map[string]struct{}),
	}

	q, err := scheduler.New(clk, s.fire, logger)
	if err != nil {
		return nil, err
	}
	s.queue = q

	return s, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetryScheduler) Policy() RetryPolicy {
	return s.policy
}

// Track takes ownership of an attempt whose first provider call produced
// result. Retryable failures are scheduled; successes and fatal failures are
// recorded as terminal so their status stays queryable.
func (s *RetryScheduler) Track(ctx context.Context, attempt domain.SendAttempt, result gateway.Result) (domain.SendAttempt, error) {
	if strings.TrimSpace(attempt.ID) == "" {
		return domain.SendAttempt{}, fmt.Errorf("%w: attempt id is required", domain.ErrValidation)
	}
	if attempt.Status == "" {
		attempt.Status = domain.AttemptStatusPending
	}
	if attempt.Status != domain.AttemptStatusPending {
		return domain.SendAttempt{}, fmt.Errorf("%w: attempt %s is %s, want PENDING", domain.ErrConflict, attempt.ID, attempt.Status)
	}

	now := s.clock.Now()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}
	attempt.UpdatedAt = now

	a := attempt
	s.mu.Lock()
	if _, exists := s.state[a.ID]; exists {
		s.mu.Unlock()
		return domain.SendAttempt{}, fmt.Errorf("%w: attempt %s is already tracked", domain.ErrConflict, a.ID)
	}
	s.state[a.ID] = &a
	escalation := s.applyResultLocked(&a, result, now, false)
	snapshot := a
	pending := s.pendingCountLocked()
	s.mu.Unlock()

	s.persist(ctx, snapshot, result)
	s.metrics.SetPendingAttempts(pending)
	if escalation != nil {
		s.sink.Escalate(ctx, *escalation)
	}
	return snapshot, nil
}

// applyResultLocked records one provider call on a PENDING attempt and moves it
// to its next state. It returns an escalation to fire after the lock is released.
func (s *RetryScheduler) applyResultLocked(a *domain.SendAttempt, result gateway.Result, now time.Time, escalateFatal bool) *notify.Event {
	a.AttemptCount++
	channel := a.Channel.String()
	if result.Channel != "" {
		channel = result.Channel.String()
		a.Channel = result.Channel
	}

	if result.Success {
		_ = a.Transition(domain.AttemptStatusSucceeded, now)
		a.NextAttemptAt = nil
		a.LastError = ""
		a.ProviderMessageID = result.ID
		a.Result = &domain.DeliveryResult{
			Outcome:   domain.OutcomeDelivered,
			Channel:   channel,
			Timestamp: now,
			Latency:   result.Latency,
		}
		s.metrics.IncMessageSent(channel)
		return nil
	}

	if result.Err != nil {
		a.LastError = result.Err.Error()
	}
	s.metrics.IncMessageFailed(channel, gateway.Reason(result.Err))

	if !result.Retryable {
		s.finalizeFailedLocked(a, result, now)
		if !escalateFatal {
			return nil
		}
		return &notify.Event{
			Kind:       notify.KindDeliveryFailure,
			Subject:    a.ID,
			Recipient:  a.RecipientKey,
			Message:    a.LastError,
			Attempts:   a.AttemptCount,
			OccurredAt: now,
		}
	}

	_ = a.Transition(domain.AttemptStatusFailedRetryable, now)
	if a.AttemptCount >= s.policy.MaxAttempts {
		s.finalizeFailedLocked(a, result, now)
		return &notify.Event{
			Kind:       notify.KindQueueExhausted,
			Subject:    a.ID,
			Recipient:  a.RecipientKey,
			Message:    a.LastError,
			Attempts:   a.AttemptCount,
			OccurredAt: now,
		}
	}

	s.scheduleLocked(a, now.Add(s.policy.Delay(a.AttemptCount)), now)
	s.metrics.IncRetryScheduled(channel)
	return nil
}

func (s *RetryScheduler) finalizeFailedLocked(a *domain.SendAttempt, result gateway.Result, now time.Time) {
	_ = a.Transition(domain.AttemptStatusFailedPermanent, now)
	a.NextAttemptAt = nil
	a.Result = &domain.DeliveryResult{
		Outcome:   domain.OutcomeFailed,
		Channel:   a.Channel.String(),
		Timestamp: now,
		Latency:   result.Latency,
	}
}

func (s *RetryScheduler) scheduleLocked(a *domain.SendAttempt, fireAt time.Time, now time.Time) {
	if a.Status != domain.AttemptStatusScheduled {
		_ = a.Transition(domain.AttemptStatusScheduled, now)
	}
	at := fireAt
	a.NextAttemptAt = &at
	a.UpdatedAt = now
	s.queue.Schedule(a.ID, fireAt)
}

// fire is the task queue handler: one provider call for a scheduled attempt.
func (s *RetryScheduler) fire(ctx context.Context, id string) {
	now := s.clock.Now()

	s.mu.Lock()
	s.pruneTerminalLocked(now)
	if _, busy := s.inFlight[id]; busy {
		// Re-arm behind the outstanding call; its completion replaces this timer.
		s.queue.Schedule(id, now.Add(inFlightRearmDelay))
		s.mu.Unlock()
		s.logger.Debug("retry timer fired while attempt in flight", zap.String("attemptId", id))
		return
	}
	a, ok := s.state[id]
	if !ok || a.Status != domain.AttemptStatusScheduled {
		s.mu.Unlock()
		return
	}
	recipient := a.RecipientKey
	s.mu.Unlock()

	if s.limiter != nil {
		decision, err := s.limiter.CheckAndReserve(ctx, recipient)
		if err != nil || !decision.Allowed {
			fireAt := decision.ResetAt
			if err != nil {
				s.logger.Warn("rate limiter unavailable, deferring retry",
					zap.String("attemptId", id),
					zap.Error(err),
				)
				fireAt = now.Add(limiterErrorBackoff)
			} else {
				s.metrics.IncRateLimited("retry")
			}
			if !fireAt.After(now) {
				fireAt = now.Add(time.Second)
			}

			s.mu.Lock()
			var snapshot domain.SendAttempt
			if a, ok := s.state[id]; ok && a.Status == domain.AttemptStatusScheduled {
				s.scheduleLocked(a, fireAt, now)
				snapshot = *a
			}
			s.mu.Unlock()
			if snapshot.ID != "" {
				s.persist(ctx, snapshot, gateway.Result{})
			}
			return
		}
	}

	s.mu.Lock()
	a, ok = s.state[id]
	if !ok || a.Status != domain.AttemptStatusScheduled {
		s.mu.Unlock()
		return
	}
	_ = a.Transition(domain.AttemptStatusPending, now)
	a.NextAttemptAt = nil
	s.inFlight[id] = struct{}{}
	payload := a.Payload
	s.mu.Unlock()

	result := s.gateway.Send(ctx, recipient, payload)
	s.metrics.ObserveSendDuration(string(result.Channel), result.Latency)

	done := s.clock.Now()
	s.mu.Lock()
	delete(s.inFlight, id)
	escalation := s.applyResultLocked(a, result, done, true)
	snapshot := *a
	pending := s.pendingCountLocked()
	s.mu.Unlock()

	s.logger.Info("retry attempt finished",
		zap.String("attemptId", id),
		zap.Int("attemptCount", snapshot.AttemptCount),
		zap.String("status", snapshot.Status.String()),
		zap.String("error", snapshot.LastError),
	)

	s.persist(ctx, snapshot, result)
	s.metrics.SetPendingAttempts(pending)
	if escalation != nil {
		s.sink.Escalate(ctx, *escalation)
	}
}

func (s *RetryScheduler) persist(ctx context.Context, snapshot domain.SendAttempt, result gateway.Result) {
	if s.attempts == nil {
		return
	}

	if err := s.attempts.Upsert(ctx, &snapshot); err != nil {
		s.logger.Error("failed to mirror send attempt",
			zap.String("attemptId", snapshot.ID),
			zap.Error(err),
		)
	}

	if result.Success || result.Err != nil {
		outcome := domain.OutcomeFailed
		if result.Success {
			outcome = domain.OutcomeDelivered
		}
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		record := domain.DeliveryResult{
			Outcome:   outcome,
			Channel:   snapshot.Channel.String(),
			Timestamp: snapshot.UpdatedAt,
			Latency:   result.Latency,
		}
		if err := s.attempts.RecordResult(ctx, snapshot.ID, snapshot.AttemptCount, record, errMsg); err != nil {
			s.logger.Error("failed to record delivery result",
				zap.String("attemptId", snapshot.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *RetryScheduler) pendingCountLocked() int {
	n := 0
	for _, a := range s.state {
		if !a.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// pruneTerminalLocked forgets terminal attempts after a day; the repository,
// when configured, still answers for them.
func (s *RetryScheduler) pruneTerminalLocked(now time.Time) {
	for id, a := range s.state {
		if a.Status.IsTerminal() && now.Sub(a.UpdatedAt) > terminalRetentionTime {
			delete(s.state, id)
		}
	}
}

// Get returns the current state of an attempt.
func (s *RetryScheduler) Get(ctx context.Context, id string) (domain.SendAttempt, error) {
	s.mu.Lock()
	a, ok := s.state[id]
	var snapshot domain.SendAttempt
	if ok {
		snapshot = *a
	}
	s.mu.Unlock()
	if ok {
		return snapshot, nil
	}

	if s.attempts != nil {
		stored, err := s.attempts.GetByID(ctx, id)
		if err != nil {
			return domain.SendAttempt{}, err
		}
		return *stored, nil
	}
	return domain.SendAttempt{}, domain.ErrNotFound
}

// Pending lists non-terminal attempts ordered by next attempt time.
func (s *RetryScheduler) Pending() []domain.SendAttempt {
	s.mu.Lock()
	out := make([]domain.SendAttempt, 0, len(s.state))
	for _, a := range s.state {
		if !a.Status.IsTerminal() {
			out = append(out, *a)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].NextAttemptAt, out[j].NextAttemptAt
		switch {
		case ti == nil && tj == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case ti == nil:
			return true
		case tj == nil:
			return false
		}
		return ti.Before(*tj)
	})
	return out
}

// Recover reloads non-terminal attempts from the repository and re-arms them.
// Attempts caught mid-call by a crash are retried immediately.
func (s *RetryScheduler) Recover(ctx context.Context) (int, error) {
	if s.attempts == nil {
		return 0, nil
	}

	stored, err := s.attempts.ListNonTerminal(ctx, defaultRecoverLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending attempts: %w", err)
	}

	now := s.clock.Now()
	recovered := 0

	s.mu.Lock()
	for i := range stored {
		a := stored[i]
		if _, exists := s.state[a.ID]; exists {
			continue
		}

		fireAt := now
		switch a.Status {
		case domain.AttemptStatusScheduled:
			if a.NextAttemptAt != nil && a.NextAttemptAt.After(now) {
				fireAt = *a.NextAttemptAt
			}
		case domain.AttemptStatusFailedRetryable:
			fireAt = a.UpdatedAt.Add(s.policy.Delay(a.AttemptCount))
			if fireAt.Before(now) {
				fireAt = now
			}
		case domain.AttemptStatusPending:
			// The call may or may not have reached the provider; retry it.
			a.Status = domain.AttemptStatusScheduled
		default:
			continue
		}

		attempt := a
		s.state[attempt.ID] = &attempt
		s.scheduleLocked(&attempt, fireAt, now)
		recovered++
	}
	pending := s.pendingCountLocked()
	s.mu.Unlock()

	s.metrics.SetPendingAttempts(pending)
	if recovered > 0 {
		s.logger.Info("recovered pending send attempts", zap.Int("count", recovered))
	}
	return recovered, nil
}

// RunDue fires every retry whose time has come.
func (s *RetryScheduler) RunDue(ctx context.Context) int {
	return s.queue.RunDue(ctx)
}

// Start drives the retry timers until ctx is cancelled.
func (s *RetryScheduler) Start(ctx context.Context, tick time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if tick <= 0 {
		tick = defaultSchedulerTick
	}
	if err := s.queue.Run(ctx, tick); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
