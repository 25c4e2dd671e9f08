package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

// ---------------------------------------------------------------------------
// LocalLimiter.Allow
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) *LocalLimiter {
	cfg := RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour, // Don't clean up during tests
	}
	return NewLocalLimiter(cfg)
}

func TestLocalLimiter_NewClientGetsFullBurst(t *testing.T) {
	rl := newTestLimiter(60, 5)
	defer rl.Stop()

	// First request from a new client always allowed
	ok, _, err := rl.Allow(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !ok {
		t.Error("Allow() = false for new client, want true")
	}
}

func TestLocalLimiter_AllowsUpToBurstSize(t *testing.T) {
	burst := 3
	rl := newTestLimiter(600, burst)
	defer rl.Stop()

	key := "burst-test"
	allowed := 0
	for i := 0; i < burst+5; i++ {
		ok, _, _ := rl.Allow(context.Background(), key)
		if ok {
			allowed++
		}
	}
	// The refill rate may admit one extra request during the loop, but the
	// count must stay near the burst size.
	if allowed < burst || allowed > burst+1 {
		t.Errorf("allowed %d requests, want ~%d (burst)", allowed, burst)
	}
}

func TestLocalLimiter_IndependentKeys(t *testing.T) {
	rl := newTestLimiter(60, 1)
	defer rl.Stop()

	if ok, _, _ := rl.Allow(context.Background(), "client-a"); !ok {
		t.Error("first request for client-a denied")
	}
	if ok, _, _ := rl.Allow(context.Background(), "client-b"); !ok {
		t.Error("first request for client-b denied despite separate key")
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitedRouter(limiter Limiter, cfg RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter, cfg))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func TestRateLimitMiddleware_AllowsWithinLimit(t *testing.T) {
	rl := newTestLimiter(60, 5)
	defer rl.Stop()
	router := newRateLimitedRouter(rl, DefaultRateLimitConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining header missing")
	}
}

func TestRateLimitMiddleware_Returns429WhenExhausted(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()
	router := newRateLimitedRouter(rl, RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1})

	// Exhaust the single token, then expect a 429.
	sawTooMany := false
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			sawTooMany = true
			if w.Header().Get("Retry-After") != "60" {
				t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
			}
			break
		}
	}
	if !sawTooMany {
		t.Error("never saw a 429 after exhausting the bucket")
	}
}

// erroringLimiter simulates a Redis outage.
type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string) (bool, int, error) {
	return false, 0, errors.New("connection refused")
}

func TestRateLimitMiddleware_FailsOpenOnLimiterError(t *testing.T) {
	router := newRateLimitedRouter(erroringLimiter{}, DefaultRateLimitConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when limiter backend is down", w.Code)
	}
}
