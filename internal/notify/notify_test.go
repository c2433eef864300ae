package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/queue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *recordingSink) Escalate(_ context.Context, event Event) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queue string, msg queue.EscalationMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, q string, msg queue.EscalationMessage) error {
	return f.publishFn(ctx, q, msg)
}

func (f *fakePublisher) Close() error { return nil }

func TestEventText(t *testing.T) {
	t.Parallel()

	event := Event{
		Kind:      KindQueueExhausted,
		Subject:   "attempt-1",
		Recipient: "+14155552671",
		Attempts:  4,
		Message:   "provider returned status 503",
	}

	want := "[queue_exhausted] attempt-1 recipient=+14155552671 attempts=4: provider returned status 503"
	if got := event.Text(); got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestLogSinkWritesErrorEntry(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core), nil)

	sink.Escalate(context.Background(), Event{
		Kind:    KindCaptureFailure,
		Subject: "01J0CAPTURE",
		Fields:  map[string]string{"email": "lead@example.com"},
	})

	entries := logs.FilterMessage("operator escalation").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	ctxMap := entries[0].ContextMap()
	if ctxMap["kind"] != "capture_failure" {
		t.Fatalf("kind = %v, want capture_failure", ctxMap["kind"])
	}
	if ctxMap["field.email"] != "lead@example.com" {
		t.Fatalf("field.email = %v", ctxMap["field.email"])
	}
	if id, _ := ctxMap["escalationId"].(string); id == "" {
		t.Fatal("escalationId should be generated")
	}
}

func TestWebhookSinkPostsChatPayload(t *testing.T) {
	t.Parallel()

	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(server.URL, time.Second, nil)
	if err != nil {
		t.Fatalf("NewWebhookSink() error = %v", err)
	}

	if err := sink.Post(context.Background(), Event{Kind: KindDeliveryFailure, Subject: "attempt-9"}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if got.Kind != "delivery_failure" || got.Subject != "attempt-9" {
		t.Fatalf("payload = %+v", got)
	}
	if !strings.HasPrefix(got.Text, "[delivery_failure] attempt-9") {
		t.Fatalf("text = %q", got.Text)
	}
}

func TestWebhookSinkSwallowsFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	sink, err := NewWebhookSink(server.URL, time.Second, zap.New(core))
	if err != nil {
		t.Fatalf("NewWebhookSink() error = %v", err)
	}

	if err := sink.Post(context.Background(), Event{Kind: KindDeliveryFailure, Subject: "x"}); err == nil {
		t.Fatal("Post() error = nil, want status error")
	}

	sink.Escalate(context.Background(), Event{Kind: KindDeliveryFailure, Subject: "x"})
	if logs.FilterMessage("operator escalation not delivered").Len() != 1 {
		t.Fatal("expected a warning for the failed escalation")
	}
}

func TestQueueSinkPublishesToEscalationQueue(t *testing.T) {
	t.Parallel()

	var (
		gotQueue string
		gotMsg   queue.EscalationMessage
	)
	sink, err := NewQueueSink(&fakePublisher{publishFn: func(_ context.Context, q string, msg queue.EscalationMessage) error {
		gotQueue = q
		gotMsg = msg
		return nil
	}}, nil)
	if err != nil {
		t.Fatalf("NewQueueSink() error = %v", err)
	}

	sink.Escalate(context.Background(), Event{Kind: KindQueueExhausted, Subject: "attempt-2", Attempts: 4})

	if gotQueue != queue.EscalationQueue {
		t.Fatalf("queue = %q, want %q", gotQueue, queue.EscalationQueue)
	}
	if err := gotMsg.Validate(); err != nil {
		t.Fatalf("published message invalid: %v", err)
	}
	if FromMessage(gotMsg).Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", gotMsg.Attempts)
	}
}

func TestQueueSinkSwallowsPublishError(t *testing.T) {
	t.Parallel()

	sink, err := NewQueueSink(&fakePublisher{publishFn: func(context.Context, string, queue.EscalationMessage) error {
		return errors.New("broker down")
	}}, nil)
	if err != nil {
		t.Fatalf("NewQueueSink() error = %v", err)
	}

	sink.Escalate(context.Background(), Event{Kind: KindQueueExhausted, Subject: "attempt-2"})
}

func TestMultiSinkSharesEventID(t *testing.T) {
	t.Parallel()

	a, b := &recordingSink{}, &recordingSink{}
	MultiSink{a, nil, b}.Escalate(context.Background(), Event{Kind: KindCaptureFailure, Subject: "s"})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("counts = %d, %d; want 1, 1", a.count(), b.count())
	}
	if a.events[0].ID == "" || a.events[0].ID != b.events[0].ID {
		t.Fatalf("ids = %q, %q; want equal and non-empty", a.events[0].ID, b.events[0].ID)
	}
}

func TestAsyncSinkDoesNotBlockAndLogsOverflow(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	next := &recordingSink{block: make(chan struct{})}
	sink := NewAsyncSink(next, 1, time.Second, zap.New(core))

	done := make(chan struct{})
	go func() {
		sink.Escalate(context.Background(), Event{Kind: KindCaptureFailure, Subject: "first"})
		sink.Escalate(context.Background(), Event{Kind: KindQueueExhausted, Subject: "overflow", Attempts: 50})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Escalate() blocked the caller")
	}

	close(next.block)
	sink.Wait()

	if got := next.count(); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}

	entries := logs.FilterMessage("operator escalation").All()
	if len(entries) != 1 {
		t.Fatalf("operator escalation entries = %d, want 1", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("level = %s, want error", entries[0].Level)
	}
	ctxMap := entries[0].ContextMap()
	if ctxMap["kind"] != "queue_exhausted" || ctxMap["subject"] != "overflow" {
		t.Fatalf("logged event = %v, want the overflowed queue_exhausted escalation", ctxMap)
	}
}

func TestAsyncSinkSurvivesCancelledCaller(t *testing.T) {
	t.Parallel()

	next := &recordingSink{}
	sink := NewAsyncSink(next, 2, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Escalate(ctx, Event{Kind: KindDeliveryFailure, Subject: "s"})
	sink.Wait()

	if next.count() != 1 {
		t.Fatalf("delivered = %d, want 1", next.count())
	}
}
