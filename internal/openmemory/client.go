// Package openmemory is the typed HTTP client for the external OpenMemory
// service. The Gateway depends on exactly two calls, Store and Search; every
// failure is one of three kinds (ConnError, APIError, Error) so callers have
// a single decision point for defer-to-outbox and dead-letter logic.
package openmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxErrorBodyBytes = 1024

// StoreRequest is the write payload. Metadata travels as a single object;
// the service ignores keys it does not recognize.
type StoreRequest struct {
	Content  string         `json:"content"`
	Space    string         `json:"space"`
	UserID   string         `json:"user_id,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StoreResult is the service's answer to a Store call.
type StoreResult struct {
	Success  bool           `json:"success"`
	MemoryID string         `json:"memory_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// SearchRequest is the read payload. Filters are passed through opaquely;
// the Gateway only ever sets filters.spaces.
type SearchRequest struct {
	Query   string         `json:"query"`
	UserID  string         `json:"user_id,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

// SearchResult is the service's answer to a Search call.
type SearchResult struct {
	Success bool     `json:"success"`
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// Result is one search hit as OpenMemory reports it.
type Result struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Score     float64        `json:"score,omitempty"`
	Space     string         `json:"space,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
}

// Client talks to one OpenMemory deployment. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int // transport-level retries; the outbox worker prefers its own backoff
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// New creates a client. maxRetries applies to connection errors only and is
// usually zero: handlers defer failed writes to the outbox instead.
func New(baseURL, apiKey string, timeout time.Duration, maxRetries int, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8765"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Store writes one memory. A decoded response with success=false is returned
// as a generic *Error so callers treat it like any other store failure.
func (c *Client) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	var result StoreResult
	if err := c.post(ctx, "/api/v1/memories", req, &result); err != nil {
		return StoreResult{}, err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "store reported failure without detail"
		}
		return result, &Error{Msg: msg}
	}
	if result.MemoryID == "" {
		return result, &Error{Msg: "store succeeded without a memory_id"}
	}
	return result, nil
}

// Search queries memories. Filters typically carry {"spaces": [...]}.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	var result SearchResult
	if err := c.post(ctx, "/api/v1/memories/search", req, &result); err != nil {
		return SearchResult{}, err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "search reported failure without detail"
		}
		return result, &Error{Msg: msg}
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Msg: "marshal request", Err: err}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.postOnce(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		// Only transport failures are worth an immediate retry.
		if _, ok := lastErr.(*ConnError); !ok || attempt >= c.maxRetries {
			return lastErr
		}
		c.logger.Warn("openmemory request retry",
			"path", path,
			"attempt", attempt+1,
			"error", lastErr)
	}
}

func (c *Client) postOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Msg: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Msg: "decode response", Err: err}
	}
	return nil
}

// Healthy reports whether the service answered a recent liveness probe.
// Results are cached for a few seconds and concurrent probes are collapsed
// into one request.
func (c *Client) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, c.healthAt.Load())) < 5*time.Second {
		return c.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := c.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		err := c.probe(checkCtx)
		if err != nil {
			c.storeHealthErr(fmt.Errorf("openmemory unhealthy: %w", err))
		} else {
			c.storeHealthErr(nil)
		}
		c.healthAt.Store(time.Now().UnixNano())
		return c.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (c *Client) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) storeHealthErr(err error) {
	c.healthErr.Store(&err)
}

func (c *Client) loadHealthErr() error {
	if p, ok := c.healthErr.Load().(*error); ok && p != nil {
		return *p
	}
	return nil
}
