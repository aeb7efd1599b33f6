package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// sourceContextKey carries the resolved task source id.
type sourceContextKey struct{}

// AuthMiddleware checks the bearer token on every route except /healthz.
// An empty token disables the check.
type AuthMiddleware struct {
	token []byte
}

// NewAuthMiddleware creates an auth middleware for token.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(strings.TrimSpace(token))}
}

// Enabled reports whether requests must carry the token.
func (am *AuthMiddleware) Enabled() bool { return len(am.token) > 0 }

// Wrap wraps an http.Handler with bearer token authentication.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), am.token) != 1 {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey reads the key from Authorization: Bearer, X-API-Key, or the
// api_key query parameter, in that order. Browsers cannot set headers on a
// WebSocket upgrade, hence the query fallback.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// SourceID names the caller for rate limiting and signature checks: the
// declared X-Hive-Source header, else the remote host.
func SourceID(r *http.Request) string {
	if src := strings.TrimSpace(r.Header.Get(HeaderSource)); src != "" {
		return src
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}

func withSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, source)
}

// SourceFromContext returns the source id resolved by the rate limiter.
func SourceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sourceContextKey{}).(string); ok {
		return s
	}
	return ""
}
