package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newContext(req *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"preserved", "my-custom-id", true},
		{"unsafe replaced", "bad id\nwith newline", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			c, rec := newContext(req)
			if err := RequestID()(ok)(c); err != nil {
				t.Fatal(err)
			}
			got := rec.Header().Get(RequestIDHeader)
			if got == "" || got != c.Get("request_id") {
				t.Fatalf("header %q, context %v", got, c.Get("request_id"))
			}
			if (got == tt.incoming) != tt.keep {
				t.Errorf("request id = %q, incoming %q", got, tt.incoming)
			}
		})
	}
}

func TestLoggerWritesRequestLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/assessments?patient_id=secret", nil))
	c.Set("request_id", "rid-1")

	err := Logger(logger)(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "assessment not found")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %q", buf.String())
	}
	if line["level"] != "warn" || line["request_id"] != "rid-1" || line["status"] != float64(404) {
		t.Errorf("unexpected log line %v", line)
	}
	if strings.Contains(buf.String(), "secret") {
		t.Error("query string leaked into the log")
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(httptest.NewRequest(http.MethodGet, "/", nil))
	err := Recovery(zerolog.New(&buf))(func(echo.Context) error { panic("boom") })(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500", err)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
	mw := rl.Middleware()

	call := func(ip string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		c, _ := newContext(req)
		return mw(ok)(c)
	}
	for i := 0; i < 2; i++ {
		if err := call("10.0.0.1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	var he *echo.HTTPError
	if err := call("10.0.0.1"); !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if err := call("10.0.0.2"); err != nil {
		t.Errorf("other client limited: %v", err)
	}
}

func TestRateLimitSweep(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.limiter("a")
	now = now.Add(2 * time.Minute)
	rl.limiter("b")
	rl.Sweep()
	if _, ok := rl.clients["a"]; ok {
		t.Error("idle limiter not swept")
	}
	if _, ok := rl.clients["b"]; !ok {
		t.Error("active limiter swept")
	}
}

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(httptest.NewRequest(http.MethodGet, "/", nil))
	if err := SecurityHeaders()(ok)(c); err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control", "Content-Security-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	c, _ := newContext(httptest.NewRequest(http.MethodGet, "/", nil))
	err := RequestTimeout(10*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return context.Cause(c.Request().Context())
	})(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("err = %v, want 504", err)
	}

	c, _ = newContext(httptest.NewRequest(http.MethodGet, "/", nil))
	if err := RequestTimeout(time.Second)(ok)(c); err != nil {
		t.Errorf("fast handler: %v", err)
	}
}
