// Package correlation generates and carries per-request correlation ids.
//
// The HTTP front-end is the only place that calls New; handlers, the error
// builder, and the logbook receive the id through context or as an explicit
// argument. Keeping generation in one place guarantees that the response
// header, the response body, the audit row, and any outbox row created by a
// request all share the same id.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// Header is the HTTP response header carrying the correlation id.
const Header = "X-Correlation-ID"

var idPattern = regexp.MustCompile(`^corr-[a-f0-9]{16}$`)

// New returns a fresh correlation id of the form "corr-<16 hex>".
func New() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("correlation: rand.Read: " + err.Error())
	}
	return "corr-" + hex.EncodeToString(b[:])
}

// Valid reports whether s is a well-formed correlation id.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

type contextKey string

const keyCorrelationID contextKey = "correlation_id"

// WithID returns a new context carrying the given correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// FromContext extracts the correlation id from the context, or "" when absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyCorrelationID).(string); ok {
		return v
	}
	return ""
}
