package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

type sourceLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitMiddleware enforces a token bucket per task source.
type RateLimitMiddleware struct {
	limit   rate.Limit
	burst   int
	metrics *hiveotel.Metrics

	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

// NewRateLimitMiddleware allows perSecond sustained requests per source with
// the given burst. perSecond <= 0 disables limiting.
func NewRateLimitMiddleware(perSecond float64, burst int, metrics *hiveotel.Metrics) *RateLimitMiddleware {
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		metrics: metrics,
		sources: make(map[string]*sourceLimiter),
	}
}

// StartEviction periodically drops sources idle for longer than maxAge.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes sources not seen within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, s := range rl.sources {
		if s.lastAccess.Before(cutoff) {
			delete(rl.sources, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.sources))
	}
}

// SourceCount returns the number of tracked sources.
func (rl *RateLimitMiddleware) SourceCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sources)
}

// Allow consumes one token for source.
func (rl *RateLimitMiddleware) Allow(source string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	s, ok := rl.sources[source]
	if !ok {
		s = &sourceLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.sources[source] = s
	}
	s.lastAccess = time.Now()
	rl.mu.Unlock()
	return s.limiter.Allow()
}

// Wrap rate limits every route except /healthz and records the source on
// the request context.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := SourceID(r)
		r = r.WithContext(withSource(r.Context(), source))
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.Allow(source) {
			if rl.metrics != nil {
				rl.metrics.RateLimitRejects.Add(r.Context(), 1)
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
