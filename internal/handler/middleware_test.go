package handler

import (
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
)

func newEchoApp(t *testing.T, handlers ...fiber.Handler) *fiber.App {
	t.Helper()

	app := fiber.New()
	for _, h := range handlers {
		app.Use(h)
	}
	app.Get("/echo", func(c *fiber.Ctx) error {
		correlationID, _ := observability.CorrelationIDFromContext(c.UserContext())
		traceID, spanID := requestTrace(c)
		return c.JSON(fiber.Map{
			"correlation_id": correlationID,
			"trace_id":       traceID,
			"span_id":        spanID,
		})
	})
	return app
}

func TestCorrelationMiddleware(t *testing.T) {
	t.Parallel()

	app := newEchoApp(t, CorrelationMiddleware())

	resp, body := performRequestWithHeaders(t, app, http.MethodGet, "/echo", "", map[string]string{
		HeaderCorrelationID: "corr-abc",
	})
	if got := resp.Header.Get(HeaderCorrelationID); got != "corr-abc" {
		t.Fatalf("header = %q, want corr-abc", got)
	}
	if !strings.Contains(string(body), `"correlation_id":"corr-abc"`) {
		t.Fatalf("body = %s, want correlation id on context", string(body))
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/echo", "")
	generated := resp.Header.Get(HeaderCorrelationID)
	if len(generated) != 36 {
		t.Fatalf("generated correlation id = %q, want uuid", generated)
	}

	resp, _ = performRequestWithHeaders(t, app, http.MethodGet, "/echo", "", map[string]string{
		HeaderCorrelationID: strings.Repeat("x", 200),
	})
	if got := resp.Header.Get(HeaderCorrelationID); len(got) != 36 {
		t.Fatalf("oversized correlation id should be replaced, got %q", got)
	}
}

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	app := newEchoApp(t, TraceMiddleware())
	tracePattern := regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`)

	tests := []struct {
		name      string
		header    string
		wantTrace string
	}{
		{name: "valid header kept", header: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", wantTrace: "4bf92f3577b34da6a3ce929d0e0e4736"},
		{name: "uppercase accepted", header: "00-4BF92F3577B34DA6A3CE929D0E0E4736-00F067AA0BA902B7-00", wantTrace: "4bf92f3577b34da6a3ce929d0e0e4736"},
		{name: "missing header generates"},
		{name: "malformed header generates", header: "garbage"},
		{name: "zero trace id generates", header: "00-00000000000000000000000000000000-00f067aa0ba902b7-01"},
		{name: "invalid version generates", header: "ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			headers := map[string]string{}
			if tc.header != "" {
				headers[HeaderTraceparent] = tc.header
			}
			resp, body := performRequestWithHeaders(t, app, http.MethodGet, "/echo", "", headers)

			echoed := resp.Header.Get(HeaderTraceparent)
			if !tracePattern.MatchString(echoed) {
				t.Fatalf("traceparent = %q, want W3C format", echoed)
			}
			if tc.wantTrace != "" && !strings.Contains(echoed, tc.wantTrace) {
				t.Fatalf("traceparent = %q, want trace %s", echoed, tc.wantTrace)
			}
			if tc.wantTrace == "" && len(tc.header) >= 35 && strings.Contains(echoed, tc.header[3:35]) {
				t.Fatalf("traceparent = %q, invalid trace id should be replaced", echoed)
			}
			if !strings.Contains(string(body), echoed[3:35]) {
				t.Fatalf("body = %s, want trace id from header", string(body))
			}
		})
	}
}

func TestClientRateLimit(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := infraredis.NewStore(rdb)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	limiter, err := ratelimit.NewWindowLimiter(store, ratelimit.ClientPrefix, 2, time.Minute)
	if err != nil {
		t.Fatalf("NewWindowLimiter() error = %v", err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	app := newEchoApp(t, ClientRateLimit(limiter, zap.New(core)))

	keyA := map[string]string{HeaderAPIKey: "client-a"}
	for i := 0; i < 2; i++ {
		resp, _ := performRequestWithHeaders(t, app, http.MethodGet, "/echo", "", keyA)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp, body := performRequestWithHeaders(t, app, http.MethodGet, "/echo", "", keyA)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"limit":2`) {
		t.Fatalf("body = %s, want limit", string(body))
	}

	resp, _ = performRequestWithHeaders(t, app, http.MethodGet, "/echo", "", map[string]string{HeaderAPIKey: "client-b"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("other client status = %d, want 200", resp.StatusCode)
	}

	mr.Close()
	resp, _ = performRequestWithHeaders(t, app, http.MethodGet, "/echo", "", keyA)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("store down: status = %d, want 200", resp.StatusCode)
	}
	if logs.FilterMessage("client rate limit unavailable, allowing request").Len() != 1 {
		t.Fatalf("expected one fail-open warning, got %d logs", logs.Len())
	}
}
