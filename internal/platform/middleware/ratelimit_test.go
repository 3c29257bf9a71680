package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartview/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}

	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", got)
	}
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	request := func(user string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), user, []string{auth.RoleClinician}, ""))
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := request("dr-a"); err != nil {
		t.Fatalf("dr-a first request: %v", err)
	}
	if err := request("dr-a"); err == nil {
		t.Fatal("dr-a second request: expected rate limit error")
	}
	if err := request("dr-b"); err != nil {
		t.Fatalf("dr-b has its own budget, got %v", err)
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	a := store.get("a")
	if store.get("a") != a {
		t.Error("expected same limiter for same key")
	}
	store.get("b")
	if store.size() != 2 {
		t.Fatalf("expected 2 clients, got %d", store.size())
	}

	now = now.Add(2 * time.Minute)
	store.get("c")
	if store.size() != 1 {
		t.Errorf("idle clients should be evicted, have %d", store.size())
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize < 1 || cfg.IdleTTL <= 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
