package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/gateway"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/ratelimit"
)

var schedulerStart = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newTestAttempt(id string) domain.SendAttempt {
	return domain.SendAttempt{
		ID:           id,
		RecipientKey: "+14155552671",
		Payload:      "Your viewing is confirmed for 3pm.",
		Channel:      domain.ChannelSMS,
		Status:       domain.AttemptStatusPending,
	}
}

func TestRetrySchedulerTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := clock.NewFake(schedulerStart)
	gw := &scriptedGateway{results: []gateway.Result{retryableResult(), retryableResult(), okResult("msg-3")}}
	repo := newFakeAttemptRepo()
	sink := &recordingSink{}

	rs, err := NewRetryScheduler(gw, nil, repo, sink, RetryPolicy{}, fake, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	first := gw.Send(ctx, "+14155552671", "hi")
	attempt, err := rs.Track(ctx, newTestAttempt("a1"), first)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if attempt.Status != domain.AttemptStatusScheduled {
		t.Fatalf("status = %s, want SCHEDULED", attempt.Status)
	}

	var consumed []time.Duration
	consumed = append(consumed, attempt.NextAttemptAt.Sub(fake.Now()))

	fake.Advance(29 * time.Second)
	rs.RunDue(ctx)
	if gw.callCount() != 1 {
		t.Fatalf("calls before first delay elapsed = %d, want 1", gw.callCount())
	}

	fake.Advance(time.Second)
	rs.RunDue(ctx)
	if gw.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", gw.callCount())
	}

	attempt, err = rs.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if attempt.Status != domain.AttemptStatusScheduled || attempt.NextAttemptAt == nil {
		t.Fatalf("attempt = %+v, want SCHEDULED with next time", attempt)
	}
	consumed = append(consumed, attempt.NextAttemptAt.Sub(fake.Now()))

	fake.Advance(5 * time.Minute)
	rs.RunDue(ctx)

	attempt, err = rs.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if attempt.Status != domain.AttemptStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", attempt.Status)
	}
	if attempt.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want 3", attempt.AttemptCount)
	}
	if attempt.ProviderMessageID != "msg-3" {
		t.Fatalf("provider message id = %q, want msg-3", attempt.ProviderMessageID)
	}
	if attempt.Result == nil || attempt.Result.Outcome != domain.OutcomeDelivered {
		t.Fatalf("result = %+v, want DELIVERED", attempt.Result)
	}

	if want := []time.Duration{30 * time.Second, 5 * time.Minute}; !reflect.DeepEqual(consumed, want) {
		t.Fatalf("consumed delays = %v, want %v", consumed, want)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("escalations = %d, want 0", len(sink.all()))
	}

	if len(repo.results) != 3 {
		t.Fatalf("recorded results = %d, want 3", len(repo.results))
	}
	for i, r := range repo.results {
		if r.attemptNumber != i+1 {
			t.Fatalf("result #%d attempt number = %d", i, r.attemptNumber)
		}
	}
	stored, _ := repo.GetByID(ctx, "a1")
	if stored.Status != domain.AttemptStatusSucceeded {
		t.Fatalf("mirrored status = %s, want SUCCEEDED", stored.Status)
	}
}

func TestRetrySchedulerBoundedRetries(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		policy    RetryPolicy
		wantCalls int
	}{
		{name: "default sequence", policy: RetryPolicy{}, wantCalls: 4},
		{
			name:      "max attempts past sequence repeats last delay",
			policy:    RetryPolicy{Delays: []time.Duration{time.Second, time.Minute}, MaxAttempts: 5},
			wantCalls: 5,
		},
		{
			name:      "max attempts below sequence",
			policy:    RetryPolicy{Delays: []time.Duration{time.Second, time.Minute, time.Hour}, MaxAttempts: 2},
			wantCalls: 2,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			fake := clock.NewFake(schedulerStart)
			gw := &scriptedGateway{results: []gateway.Result{retryableResult()}}
			sink := &recordingSink{}

			rs, err := NewRetryScheduler(gw, nil, nil, sink, tc.policy, fake, nil)
			if err != nil {
				t.Fatalf("NewRetryScheduler() error = %v", err)
			}

			attempt, err := rs.Track(ctx, newTestAttempt("a1"), gw.Send(ctx, "+14155552671", "hi"))
			if err != nil {
				t.Fatalf("Track() error = %v", err)
			}

			var delays []time.Duration
			for i := 0; i < 20 && attempt.Status == domain.AttemptStatusScheduled; i++ {
				delay := attempt.NextAttemptAt.Sub(fake.Now())
				delays = append(delays, delay)
				fake.Advance(delay)
				rs.RunDue(ctx)
				attempt, err = rs.Get(ctx, "a1")
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
			}

			if attempt.Status != domain.AttemptStatusFailedPermanent {
				t.Fatalf("status = %s, want FAILED_PERMANENT", attempt.Status)
			}
			if gw.callCount() != tc.wantCalls || attempt.AttemptCount != tc.wantCalls {
				t.Fatalf("calls = %d, attempt count = %d; want %d", gw.callCount(), attempt.AttemptCount, tc.wantCalls)
			}
			for i := 1; i < len(delays); i++ {
				if delays[i] < delays[i-1] {
					t.Fatalf("delays decreased: %v", delays)
				}
			}

			events := sink.all()
			if len(events) != 1 {
				t.Fatalf("escalations = %d, want 1", len(events))
			}
			if events[0].Kind != notify.KindQueueExhausted || events[0].Attempts != tc.wantCalls {
				t.Fatalf("escalation = %+v", events[0])
			}
			if len(rs.Pending()) != 0 {
				t.Fatalf("pending = %d, want 0", len(rs.Pending()))
			}
		})
	}
}

func TestRetrySchedulerFatalOnRetryEscalates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := clock.NewFake(schedulerStart)
	gw := &scriptedGateway{results: []gateway.Result{retryableResult(), fatalResult()}}
	sink := &recordingSink{}

	rs, err := NewRetryScheduler(gw, nil, nil, sink, RetryPolicy{}, fake, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	if _, err := rs.Track(ctx, newTestAttempt("a1"), gw.Send(ctx, "+14155552671", "hi")); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	fake.Advance(30 * time.Second)
	rs.RunDue(ctx)

	attempt, _ := rs.Get(ctx, "a1")
	if attempt.Status != domain.AttemptStatusFailedPermanent {
		t.Fatalf("status = %s, want FAILED_PERMANENT", attempt.Status)
	}
	events := sink.all()
	if len(events) != 1 || events[0].Kind != notify.KindDeliveryFailure {
		t.Fatalf("escalations = %+v, want one delivery_failure", events)
	}
}

func TestRetrySchedulerTrackTerminalFirstResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := &recordingSink{}
	rs, err := NewRetryScheduler(&scriptedGateway{}, nil, nil, sink, RetryPolicy{}, clock.NewFake(schedulerStart), nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	ok, err := rs.Track(ctx, newTestAttempt("sent"), okResult("m1"))
	if err != nil || ok.Status != domain.AttemptStatusSucceeded {
		t.Fatalf("Track(success) = %+v, %v", ok, err)
	}
	fatal, err := rs.Track(ctx, newTestAttempt("fatal"), fatalResult())
	if err != nil || fatal.Status != domain.AttemptStatusFailedPermanent {
		t.Fatalf("Track(fatal) = %+v, %v", fatal, err)
	}
	if len(sink.all()) != 0 {
		t.Fatal("a fatal first attempt is surfaced to the caller, not escalated")
	}

	if _, err := rs.Track(ctx, newTestAttempt("sent"), okResult("m2")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Track(duplicate id) error = %v, want ErrConflict", err)
	}
	if _, err := rs.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRetrySchedulerRateLimitedRetryKeepsAttemptBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := clock.NewFake(schedulerStart)
	gw := &scriptedGateway{results: []gateway.Result{retryableResult(), okResult("m2")}}

	denials := 1
	limiter := &fakeRateLimiter{checkFn: func(context.Context, string) (ratelimit.Decision, error) {
		if denials > 0 {
			denials--
			return ratelimit.Decision{Allowed: false, ResetAt: fake.Now().Add(10 * time.Minute)}, nil
		}
		return ratelimit.Decision{Allowed: true}, nil
	}}

	rs, err := NewRetryScheduler(gw, limiter, nil, nil, RetryPolicy{}, fake, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	if _, err := rs.Track(ctx, newTestAttempt("a1"), gw.Send(ctx, "+14155552671", "hi")); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	fake.Advance(30 * time.Second)
	rs.RunDue(ctx)

	attempt, _ := rs.Get(ctx, "a1")
	if gw.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 while rate limited", gw.callCount())
	}
	if attempt.AttemptCount != 1 || attempt.Status != domain.AttemptStatusScheduled {
		t.Fatalf("attempt = %+v, want SCHEDULED with count 1", attempt)
	}
	if want := fake.Now().Add(10 * time.Minute); !attempt.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt = %v, want %v", attempt.NextAttemptAt, want)
	}

	fake.Advance(10 * time.Minute)
	rs.RunDue(ctx)

	attempt, _ = rs.Get(ctx, "a1")
	if attempt.Status != domain.AttemptStatusSucceeded || attempt.AttemptCount != 2 {
		t.Fatalf("attempt = %+v, want SUCCEEDED after 2 calls", attempt)
	}
}

func TestRetrySchedulerInFlightGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := clock.NewFake(schedulerStart)

	started := make(chan struct{})
	release := make(chan struct{})
	gw := &scriptedGateway{sendFn: func(context.Context, string, string) gateway.Result {
		close(started)
		<-release
		return gateway.Result{Success: true, ID: "m2", Channel: domain.ChannelSMS}
	}}

	rs, err := NewRetryScheduler(gw, nil, nil, nil, RetryPolicy{}, fake, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	if _, err := rs.Track(ctx, newTestAttempt("a1"), retryableResult()); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	fake.Advance(30 * time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rs.RunDue(ctx)
	}()
	<-started

	// A second timer for the same attempt while the first call is outstanding.
	rs.fire(ctx, "a1")
	if gw.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 while in flight", gw.callCount())
	}

	close(release)
	<-done

	fake.Advance(time.Minute)
	rs.RunDue(ctx)

	attempt, _ := rs.Get(ctx, "a1")
	if attempt.Status != domain.AttemptStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", attempt.Status)
	}
	if gw.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", gw.callCount())
	}
}

func TestRetrySchedulerRecover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := clock.NewFake(schedulerStart)
	future := schedulerStart.Add(5 * time.Minute)

	repo := newFakeAttemptRepo()
	scheduled := newTestAttempt("scheduled")
	scheduled.Status = domain.AttemptStatusScheduled
	scheduled.AttemptCount = 1
	scheduled.NextAttemptAt = &future
	midCall := newTestAttempt("mid-call")
	midCall.AttemptCount = 2
	done := newTestAttempt("done")
	done.Status = domain.AttemptStatusSucceeded
	for _, a := range []domain.SendAttempt{scheduled, midCall, done} {
		a := a
		_ = repo.Upsert(ctx, &a)
	}

	gw := &scriptedGateway{results: []gateway.Result{okResult("m")}}
	rs, err := NewRetryScheduler(gw, nil, repo, nil, RetryPolicy{}, fake, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	n, err := rs.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}
	if len(rs.Pending()) != 2 {
		t.Fatalf("pending = %d, want 2", len(rs.Pending()))
	}

	rs.RunDue(ctx)
	if gw.callCount() != 1 {
		t.Fatalf("calls after recover = %d, want 1 (mid-call attempt)", gw.callCount())
	}

	fake.Advance(5 * time.Minute)
	rs.RunDue(ctx)
	if gw.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", gw.callCount())
	}
	if len(rs.Pending()) != 0 {
		t.Fatalf("pending = %d, want 0", len(rs.Pending()))
	}

	again, err := rs.Recover(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second Recover() = %d, %v; want 0, nil", again, err)
	}
}

func TestRetryPolicyValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRetryScheduler(&scriptedGateway{}, nil, nil, nil, RetryPolicy{
		Delays: []time.Duration{time.Minute, time.Second},
	}, nil, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation for decreasing delays", err)
	}

	if _, err := NewRetryScheduler(nil, nil, nil, nil, RetryPolicy{}, nil, nil); err == nil {
		t.Fatal("expected error for nil gateway")
	}

	policy, err := RetryPolicy{}.normalize()
	if err != nil {
		t.Fatalf("normalize() error = %v", err)
	}
	if policy.MaxAttempts != 4 {
		t.Fatalf("MaxAttempts = %d, want 4", policy.MaxAttempts)
	}
	if got := policy.Delay(7); got != 30*time.Minute {
		t.Fatalf("Delay(7) = %v, want last delay", got)
	}
}
