package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/gateway"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/queue"
	"github.com/kursadbilgin/delivery-guard/internal/ratelimit"
)

var errProviderDown = &gateway.TransportError{Kind: gateway.KindRetryable, StatusCode: 503, Message: "provider returned status 503"}

// scriptedGateway returns results in order and repeats the last one.
type scriptedGateway struct {
	mu      sync.Mutex
	results []gateway.Result
	calls   int
	sendFn  func(ctx context.Context, recipient string, payload string) gateway.Result
}

func (g *scriptedGateway) Send(ctx context.Context, recipient string, payload string) gateway.Result {
	g.mu.Lock()
	g.calls++
	fn := g.sendFn
	var res gateway.Result
	if len(g.results) > 0 {
		idx := g.calls - 1
		if idx >= len(g.results) {
			idx = len(g.results) - 1
		}
		res = g.results[idx]
	}
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, recipient, payload)
	}
	if res.Channel == "" {
		_, ch, _ := domain.NormalizeRecipient(recipient)
		res.Channel = ch
	}
	res.Recipient = recipient
	return res
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func okResult(id string) gateway.Result {
	return gateway.Result{Success: true, ID: id, Latency: 40 * time.Millisecond}
}

func retryableResult() gateway.Result {
	return gateway.Result{Err: errProviderDown, Retryable: true}
}

func fatalResult() gateway.Result {
	return gateway.Result{
		Err: &gateway.TransportError{Kind: gateway.KindFatal, StatusCode: 422, Message: "unknown recipient"},
	}
}

type fakeRateLimiter struct {
	checkFn func(ctx context.Context, key string) (ratelimit.Decision, error)
}

func (f *fakeRateLimiter) CheckAndReserve(ctx context.Context, key string) (ratelimit.Decision, error) {
	if f.checkFn == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	return f.checkFn(ctx, key)
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Escalate(_ context.Context, event notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

type storedResult struct {
	attemptID     string
	attemptNumber int
	result        domain.DeliveryResult
	errMsg        string
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts map[string]domain.SendAttempt
	results  []storedResult
	upsertFn func(ctx context.Context, a *domain.SendAttempt) error
}

func newFakeAttemptRepo() *fakeAttemptRepo {
	return &fakeAttemptRepo{attempts: make(map[string]domain.SendAttempt)}
}

func (f *fakeAttemptRepo) Upsert(ctx context.Context, a *domain.SendAttempt) error {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[a.ID] = *a
	return nil
}

func (f *fakeAttemptRepo) GetByID(_ context.Context, id string) (*domain.SendAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (f *fakeAttemptRepo) ListNonTerminal(_ context.Context, _ int) ([]domain.SendAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SendAttempt
	for _, a := range f.attempts {
		if !a.Status.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAttemptRepo) RecordResult(_ context.Context, attemptID string, attemptNumber int, result domain.DeliveryResult, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, storedResult{attemptID, attemptNumber, result, errMsg})
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn == nil {
		<-ctx.Done()
		return nil
	}
	return f.consumeFn(ctx, queueName, handler)
}

func (f *fakeConsumer) Close() error { return nil }

type fakeForwarder struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (f *fakeForwarder) Post(_ context.Context, event notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

var errStoreDown = errors.New("store down")
