// Package ratelimit guards the gateway against request floods.
//
// The gateway fronts a write-audited memory store; every accepted request
// costs an audit row and possibly an outbox row, so shedding abusive
// clients early keeps the logbook honest. The default implementation is an
// in-process token bucket keyed by client address. The Limiter interface is
// the seam for a shared backend when the gateway runs more than one replica.
package ratelimit

import "context"

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use. An error means the
// limiter itself is broken; callers fail open rather than dropping traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases cleanup goroutines or connections.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
