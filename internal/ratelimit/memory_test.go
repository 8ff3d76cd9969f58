package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllowsWithinBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer func() { _ = m.Close() }()

	for i := range 5 {
		ok, err := m.Allow(context.Background(), "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be within burst", i)
	}
}

func TestMemoryLimiterDeniesAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer func() { _ = m.Close() }()

	for range 3 {
		ok, err := m.Allow(context.Background(), "k1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := m.Allow(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefills(t *testing.T) {
	// 1000 rps refills one token per millisecond.
	m := NewMemoryLimiter(1000, 2)
	defer func() { _ = m.Close() }()

	for range 2 {
		ok, _ := m.Allow(context.Background(), "k1")
		require.True(t, ok)
	}
	ok, _ := m.Allow(context.Background(), "k1")
	require.False(t, ok)

	time.Sleep(10 * time.Millisecond)
	ok, err := m.Allow(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok, "bucket should refill after waiting")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer func() { _ = m.Close() }()

	ok, _ := m.Allow(context.Background(), "a")
	require.True(t, ok)
	ok, _ = m.Allow(context.Background(), "a")
	require.False(t, ok)

	ok, _ = m.Allow(context.Background(), "b")
	assert.True(t, ok, "a separate key keeps its own bucket")
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var n NoopLimiter
	for range 100 {
		ok, err := n.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, n.Close())
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() { _ = m.Close() }()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(m, IPKey, next)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}"))
	req.RemoteAddr = "203.0.113.9:51000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "too many requests")
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() { _ = m.Close() }()

	h := Middleware(m, func(*http.Request) string { return "" },
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKeyStripsPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:40312"
	assert.Equal(t, "198.51.100.7", IPKey(r))
}
