package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/dedup"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/gateway"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/kursadbilgin/delivery-guard/internal/ratelimit"
	"github.com/kursadbilgin/delivery-guard/internal/repository"
	"github.com/kursadbilgin/delivery-guard/internal/service"
	"github.com/kursadbilgin/delivery-guard/internal/transport"
)

func TestMessageIntegration_SendMessage(t *testing.T) {
	t.Parallel()

	nextAt := time.Date(2026, 4, 2, 10, 0, 30, 0, time.UTC)

	testCases := []struct {
		name       string
		body       string
		sendFn     func(ctx context.Context, req service.SendRequest) (*service.SendResponse, error)
		wantStatus int
		wantCalled bool
		check      func(t *testing.T, resp *http.Response, body map[string]any)
	}{
		{
			name: "delivered on first call",
			body: `{"recipient":"+14155552671","payload":"Viewing reminder","channel":"sms"}`,
			sendFn: func(_ context.Context, req service.SendRequest) (*service.SendResponse, error) {
				if req.Channel != domain.ChannelSMS {
					t.Errorf("Channel = %q, want SMS", req.Channel)
				}
				return &service.SendResponse{ID: "a-1", Success: true, Channel: domain.ChannelSMS, Status: domain.AttemptStatusSucceeded}, nil
			},
			wantStatus: fiber.StatusOK,
			wantCalled: true,
			check: func(t *testing.T, _ *http.Response, body map[string]any) {
				if body["id"] != "a-1" || body["status"] != "SUCCEEDED" {
					t.Fatalf("body = %v, want id a-1 SUCCEEDED", body)
				}
			},
		},
		{
			name: "content alias and scheduled retry",
			body: `{"recipient":"lead@example.com","content":"Your viewing is confirmed"}`,
			sendFn: func(_ context.Context, req service.SendRequest) (*service.SendResponse, error) {
				if req.Payload != "Your viewing is confirmed" {
					t.Errorf("Payload = %q, want content alias", req.Payload)
				}
				return &service.SendResponse{
					ID:        "a-2",
					Channel:   domain.ChannelEmail,
					Status:    domain.AttemptStatusScheduled,
					Retryable: true,
					Error:     "provider 503",
					NextAt:    &nextAt,
				}, nil
			},
			wantStatus: fiber.StatusAccepted,
			wantCalled: true,
			check: func(t *testing.T, _ *http.Response, body map[string]any) {
				if body["retryable"] != true || body["nextRetryAt"] != "2026-04-02T10:00:30Z" {
					t.Fatalf("body = %v, want retryable with nextRetryAt", body)
				}
			},
		},
		{
			name: "rate limited",
			body: `{"recipient":"+14155552671","payload":"hi"}`,
			sendFn: func(context.Context, service.SendRequest) (*service.SendResponse, error) {
				return nil, &domain.RateLimitError{Key: "+14155552671", ResetAt: time.Now().Add(90 * time.Second)}
			},
			wantStatus: fiber.StatusTooManyRequests,
			wantCalled: true,
			check: func(t *testing.T, resp *http.Response, body map[string]any) {
				retryAfter, err := strconv.Atoi(resp.Header.Get(fiber.HeaderRetryAfter))
				if err != nil || retryAfter < 1 || retryAfter > 90 {
					t.Fatalf("Retry-After = %q, want 1..90", resp.Header.Get(fiber.HeaderRetryAfter))
				}
				if body["recipient"] != "+14155552671" || body["resetAt"] == nil {
					t.Fatalf("body = %v, want recipient and resetAt", body)
				}
			},
		},
		{
			name: "validation error from service",
			body: `{"recipient":"","payload":"hi"}`,
			sendFn: func(context.Context, service.SendRequest) (*service.SendResponse, error) {
				return nil, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
			},
			wantStatus: fiber.StatusBadRequest,
			wantCalled: true,
		},
		{
			name: "fatal provider rejection",
			body: `{"recipient":"+14155552671","payload":"hi"}`,
			sendFn: func(context.Context, service.SendRequest) (*service.SendResponse, error) {
				return nil, &gateway.TransportError{Kind: gateway.KindFatal, StatusCode: http.StatusUnprocessableEntity, Message: "invalid number"}
			},
			wantStatus: fiber.StatusUnprocessableEntity,
			wantCalled: true,
			check: func(t *testing.T, _ *http.Response, body map[string]any) {
				if body["retryable"] != false {
					t.Fatalf("body = %v, want retryable=false", body)
				}
			},
		},
		{
			name:       "unknown channel rejected before send",
			body:       `{"recipient":"+14155552671","payload":"hi","channel":"pigeon"}`,
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"recipient":`,
			wantStatus: fiber.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var called atomic.Bool
			svc := &stubMessageService{
				sendFn: func(ctx context.Context, req service.SendRequest) (*service.SendResponse, error) {
					called.Store(true)
					if tc.sendFn == nil {
						return nil, errors.New("unexpected send")
					}
					return tc.sendFn(ctx, req)
				},
			}
			app := newMessageTestApp(t, svc)

			resp, raw := performRequest(t, app, http.MethodPost, "/v1/messages", tc.body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tc.wantStatus, string(raw))
			}
			if called.Load() != tc.wantCalled {
				t.Fatalf("service called = %v, want %v", called.Load(), tc.wantCalled)
			}
			if tc.check != nil {
				tc.check(t, resp, decodeJSON(t, raw))
			}
		})
	}
}

func TestMessageIntegration_GetMessage(t *testing.T) {
	t.Parallel()

	svc := &stubMessageService{
		statusFn: func(_ context.Context, id string) (domain.SendAttempt, error) {
			if id != "a-1" {
				return domain.SendAttempt{}, domain.ErrNotFound
			}
			return domain.SendAttempt{
				ID:           "a-1",
				RecipientKey: "+14155552671",
				Channel:      domain.ChannelSMS,
				Status:       domain.AttemptStatusFailedPermanent,
				AttemptCount: 4,
				LastError:    "provider 503",
				Result:       &domain.DeliveryResult{Outcome: domain.OutcomeFailed},
			}, nil
		},
	}
	app := newMessageTestApp(t, svc)

	resp, raw := performRequest(t, app, http.MethodGet, "/v1/messages/a-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}
	body := decodeJSON(t, raw)
	if body["attemptCount"] != float64(4) || body["outcome"] != "FAILED" {
		t.Fatalf("body = %v, want attemptCount 4 outcome FAILED", body)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/messages/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookIntegration_Receive(t *testing.T) {
	t.Parallel()

	t.Run("header id wins and status is echoed", func(t *testing.T) {
		t.Parallel()

		var got domain.WebhookEvent
		svc := &stubWebhookService{
			ingestFn: func(_ context.Context, event domain.WebhookEvent) (*service.IngestResult, error) {
				got = event
				return &service.IngestResult{LogID: "log-1", Status: domain.IngestStatusDuplicate}, nil
			},
		}
		app := newWebhookTestApp(t, svc)

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/resend", bytes.NewBufferString(`{"id":"body-id","type":"email.delivered","data":{"to":["lead@example.com"]}}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		req.Header.Set("svix-id", "msg_2abc")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test() error = %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
		}
		if got.EventID != "msg_2abc" || got.Provider != "resend" || got.RecipientKey != "lead@example.com" {
			t.Fatalf("event = %+v, want header id, provider resend, normalized recipient", got)
		}
		if body := decodeJSON(t, raw); body["status"] != "duplicate" || body["logId"] != "log-1" {
			t.Fatalf("body = %v, want duplicate log-1", body)
		}
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		t.Parallel()

		app := newWebhookTestApp(t, &stubWebhookService{})
		resp, _ := performRequest(t, app, http.MethodPost, "/v1/webhooks/resend", `not json`)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("storage failure asks for redelivery", func(t *testing.T) {
		t.Parallel()

		svc := &stubWebhookService{
			ingestFn: func(context.Context, domain.WebhookEvent) (*service.IngestResult, error) {
				return nil, errors.New("failed to claim event: redis down")
			},
		}
		app := newWebhookTestApp(t, svc)
		resp, raw := performRequest(t, app, http.MethodPost, "/v1/webhooks/resend", `{"id":"evt-1","type":"email.delivered"}`)
		if resp.StatusCode != fiber.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", resp.StatusCode)
		}
		if strings.Contains(string(raw), "redis") {
			t.Fatalf("body leaks internal error: %s", string(raw))
		}
	})
}

func TestWebhookIntegration_Lists(t *testing.T) {
	t.Parallel()

	entries := []domain.WebhookLogEntry{
		{ID: "log-1", Provider: "resend", EventID: "evt-1", RecipientKey: "lead@example.com", Status: domain.IngestStatusSuccess},
		{ID: "log-2", Provider: "resend", EventID: "evt-1", RecipientKey: "lead@example.com", Status: domain.IngestStatusDuplicate},
	}
	var gotLimit int
	svc := &stubWebhookService{
		listByEventFn: func(_ context.Context, eventID string) ([]domain.WebhookLogEntry, error) {
			if eventID != "evt-1" {
				return nil, nil
			}
			return entries, nil
		},
		listByRecipientFn: func(_ context.Context, key string, limit int) ([]domain.WebhookLogEntry, error) {
			gotLimit = limit
			return entries[:1], nil
		},
	}
	app := newWebhookTestApp(t, svc)

	resp, raw := performRequest(t, app, http.MethodGet, "/v1/webhooks/events/evt-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(raw))
	}
	var list struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(list.Data) != 2 || list.Data[1]["status"] != "duplicate" {
		t.Fatalf("data = %v, want two entries ending in duplicate", list.Data)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/webhooks/recipients/lead@example.com?limit=10", "")
	if resp.StatusCode != fiber.StatusOK || gotLimit != 10 {
		t.Fatalf("status = %d limit = %d, want 200 and 10", resp.StatusCode, gotLimit)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/webhooks/recipients/lead@example.com?limit=0", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for limit=0", resp.StatusCode)
	}
}

// Runs the real outbound and ingest services behind the router.
func TestIntegration_RateLimitAndDuplicateWebhook(t *testing.T) {
	t.Parallel()

	clk := clock.Real()
	var sent atomic.Int32
	gw := gateway.Func(func(_ context.Context, recipient string, _ string) gateway.Result {
		n := sent.Add(1)
		return gateway.Result{Success: true, ID: fmt.Sprintf("msg-%d", n), Recipient: recipient}
	})
	limiter := ratelimit.NewMemoryRateLimiter(ratelimit.Config{PerKeyMax: 10, GlobalMax: 100, Window: time.Hour}, clk)
	retries, err := service.NewRetryScheduler(gw, limiter, nil, nil, service.RetryPolicy{}, clk, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	outbound, err := service.NewOutboundService(limiter, gw, retries, 0, nil)
	if err != nil {
		t.Fatalf("NewOutboundService() error = %v", err)
	}

	var materialized atomic.Int32
	ingest, err := service.NewWebhookIngest(dedup.NewMemoryStore(clk), repository.NewMemoryWebhookLogRepo(), time.Second, clk, nil)
	if err != nil {
		t.Fatalf("NewWebhookIngest() error = %v", err)
	}
	ingest.Register("email.delivered", service.MaterializerFunc(func(context.Context, domain.WebhookEvent) error {
		materialized.Add(1)
		return nil
	}))

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	app.Use(transport.RequestID())
	if err := RegisterMessageRoutes(app, outbound); err != nil {
		t.Fatalf("RegisterMessageRoutes() error = %v", err)
	}
	if err := RegisterWebhookRoutes(app, ingest); err != nil {
		t.Fatalf("RegisterWebhookRoutes() error = %v", err)
	}

	body := `{"recipient":"+1 (415) 555-2671","payload":"Viewing reminder"}`
	for i := 0; i < 10; i++ {
		resp, raw := performRequest(t, app, http.MethodPost, "/v1/messages", body)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("send #%d status = %d, body=%s", i+1, resp.StatusCode, string(raw))
		}
	}
	resp, _ := performRequest(t, app, http.MethodPost, "/v1/messages", body)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("11th send status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get(fiber.HeaderRetryAfter) == "" {
		t.Fatal("missing Retry-After on 429")
	}
	if sent.Load() != 10 {
		t.Fatalf("gateway calls = %d, want 10", sent.Load())
	}

	event := `{"id":"evt-42","type":"email.delivered","data":{"to":["Lead@Example.com"]}}`
	for i, want := range []string{"success", "duplicate"} {
		resp, raw := performRequest(t, app, http.MethodPost, "/v1/webhooks/resend", event)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("webhook #%d status = %d, body=%s", i+1, resp.StatusCode, string(raw))
		}
		if got := decodeJSON(t, raw)["status"]; got != want {
			t.Fatalf("webhook #%d status = %v, want %s", i+1, got, want)
		}
	}
	if materialized.Load() != 1 {
		t.Fatalf("materialized = %d, want 1", materialized.Load())
	}
}

func TestHealthIntegration_LivezReadyzMetrics(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	testCases := []struct {
		name       string
		checks     map[string]Checker
		wantStatus int
	}{
		{name: "no dependencies configured", checks: nil, wantStatus: fiber.StatusOK},
		{name: "redis healthy", checks: map[string]Checker{"redis": RedisChecker(rdb)}, wantStatus: fiber.StatusOK},
		{
			name: "postgres down",
			checks: map[string]Checker{
				"redis":    RedisChecker(rdb),
				"postgres": PostgresChecker(nil),
			},
			wantStatus: fiber.StatusServiceUnavailable,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
			RegisterHealthRoutes(app, tc.checks, nil)

			resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
			if resp.StatusCode != fiber.StatusOK {
				t.Fatalf("livez status = %d, body=%s", resp.StatusCode, string(body))
			}
			resp, body = performRequest(t, app, http.MethodGet, "/readyz", "")
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("readyz status = %d, want %d, body=%s", resp.StatusCode, tc.wantStatus, string(body))
			}
		})
	}

	t.Run("metrics endpoint", func(t *testing.T) {
		t.Parallel()

		metrics := observability.NewMetrics()
		metrics.IncRateLimited("send")

		app := fiber.New()
		RegisterHealthRoutes(app, nil, metrics.Handler())
		resp, body := performRequest(t, app, http.MethodGet, "/metrics", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if !strings.Contains(string(body), "delivery_guard_") {
			t.Fatalf("metrics body missing namespace: %s", string(body))
		}
	})
}

func newMessageTestApp(t *testing.T, svc MessageService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := RegisterMessageRoutes(app, svc); err != nil {
		t.Fatalf("RegisterMessageRoutes() error = %v", err)
	}
	return app
}

func newWebhookTestApp(t *testing.T, svc WebhookService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := RegisterWebhookRoutes(app, svc); err != nil {
		t.Fatalf("RegisterWebhookRoutes() error = %v", err)
	}
	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

func decodeJSON(t *testing.T, raw []byte) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("json unmarshal error = %v, body=%s", err, string(raw))
	}
	return body
}

type stubMessageService struct {
	sendFn   func(ctx context.Context, req service.SendRequest) (*service.SendResponse, error)
	statusFn func(ctx context.Context, id string) (domain.SendAttempt, error)
}

func (s *stubMessageService) Send(ctx context.Context, req service.SendRequest) (*service.SendResponse, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubMessageService) Status(ctx context.Context, id string) (domain.SendAttempt, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, id)
	}
	return domain.SendAttempt{}, domain.ErrNotFound
}

type stubWebhookService struct {
	ingestFn          func(ctx context.Context, event domain.WebhookEvent) (*service.IngestResult, error)
	listByEventFn     func(ctx context.Context, eventID string) ([]domain.WebhookLogEntry, error)
	listByRecipientFn func(ctx context.Context, key string, limit int) ([]domain.WebhookLogEntry, error)
}

func (s *stubWebhookService) Ingest(ctx context.Context, event domain.WebhookEvent) (*service.IngestResult, error) {
	if s.ingestFn != nil {
		return s.ingestFn(ctx, event)
	}
	return nil, errors.New("not implemented")
}

func (s *stubWebhookService) ListByEvent(ctx context.Context, eventID string) ([]domain.WebhookLogEntry, error) {
	if s.listByEventFn != nil {
		return s.listByEventFn(ctx, eventID)
	}
	return nil, nil
}

func (s *stubWebhookService) ListByRecipient(ctx context.Context, key string, limit int) ([]domain.WebhookLogEntry, error) {
	if s.listByRecipientFn != nil {
		return s.listByRecipientFn(ctx, key, limit)
	}
	return nil, nil
}
