package openmemory

import (
	"errors"
	"fmt"
)

// ConnError is a transport-level failure: dial, TLS, timeout, or a context
// deadline hit while talking to OpenMemory. Always retryable.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("openmemory: connection: %v", e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// APIError is a non-2xx HTTP response. 4xx responses are permanent; the
// outbox worker dead-letters them instead of retrying.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openmemory: status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request can ever succeed.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Error is a failure that is neither transport nor HTTP status: a malformed
// response body, or a well-formed response reporting success=false.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("openmemory: %s: %v", e.Msg, e.Err)
	}
	return "openmemory: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is an OpenMemory failure that no amount of
// retrying will fix.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}
