package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"
)

// KeyFunc extracts the rate-limit key from a request. An empty key skips
// rate limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware enforces the limiter on every request with a non-empty key.
// Limiter errors fail open: a broken limiter must not take the gateway down
// with it.
func Middleware(limiter Limiter, keyFunc KeyFunc, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFunc(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ok, err := limiter.Allow(r.Context(), key)
		if err != nil || ok {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Retry-After", "1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "too many requests"})
	})
}

// IPKey keys by client address from RemoteAddr. X-Forwarded-For is not
// trusted: any client can set it, and the gateway cannot know whether a
// sanitizing proxy sits in front. Deployments behind a trusted proxy should
// have the proxy rewrite RemoteAddr instead.
func IPKey(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
