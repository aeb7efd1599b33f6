package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/go-hive/internal/gateway"
)

func requestFrom(source, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(gateway.HeaderSource, source)
	return req
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(0.001, 3, nil)
	handler := rl.Wrap(okHandler())

	for i := range 3 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("feed", "/v1/tasks"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("feed", "/v1/tasks"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	// Other sources keep their own bucket.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("other", "/v1/tasks"))
	if rec.Code != http.StatusOK {
		t.Fatalf("isolated source: expected 200, got %d", rec.Code)
	}

	// Health checks are never limited.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("feed", "/healthz"))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_Refill(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(50, 1, nil)
	if !rl.Allow("feed") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("feed") {
		t.Fatal("second immediate request should be limited")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("feed") {
		t.Fatal("bucket should refill")
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(0, 1, nil)
	for range 20 {
		if !rl.Allow("feed") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(10, 10, nil)
	for _, src := range []string{"a", "b", "c"} {
		rl.Allow(src)
	}
	if n := rl.SourceCount(); n != 3 {
		t.Fatalf("expected 3 sources, got %d", n)
	}
	rl.EvictStale(time.Hour)
	if n := rl.SourceCount(); n != 3 {
		t.Fatalf("no-op eviction removed sources: %d left", n)
	}
	time.Sleep(5 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if n := rl.SourceCount(); n != 0 {
		t.Fatalf("expected 0 sources after eviction, got %d", n)
	}
}
