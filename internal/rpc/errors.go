// Package rpc is the HTTP front-end of the gateway: one endpoint speaking
// JSON-RPC 2.0 and the legacy {tool, arguments} envelope, a tool registry
// with schema-validated arguments, and the error envelope contract.
package rpc

import (
	"errors"

	"github.com/engramhq/engram/internal/correlation"
	"github.com/engramhq/engram/internal/redact"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Category classifies an error for the caller's retry logic.
type Category string

const (
	CategoryProtocol   Category = "protocol"
	CategoryValidation Category = "validation"
	CategoryBusiness   Category = "business"
	CategoryDependency Category = "dependency"
	CategoryInternal   Category = "internal"
)

// Reason codes, a closed vocabulary.
const (
	ReasonParseError                = "PARSE_ERROR"
	ReasonInvalidRequest            = "INVALID_REQUEST"
	ReasonMethodNotFound            = "METHOD_NOT_FOUND"
	ReasonInvalidParams             = "INVALID_PARAMS"
	ReasonMissingRequiredParam      = "MISSING_REQUIRED_PARAM"
	ReasonUnknownTool               = "UNKNOWN_TOOL"
	ReasonUnhandledException        = "UNHANDLED_EXCEPTION"
	ReasonToolExecutorNotRegistered = "TOOL_EXECUTOR_NOT_REGISTERED"
)

// ErrorData is the error.data payload every JSON-RPC error carries.
type ErrorData struct {
	Category      Category       `json:"category"`
	Reason        string         `json:"reason"`
	Retryable     bool           `json:"retryable"`
	CorrelationID string         `json:"correlation_id"`
	Details       map[string]any `json:"details"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    ErrorData `json:"data"`
}

// ErrMissingCorrelationID is returned by a strict builder when the caller
// forgot to thread the request's correlation id through.
var ErrMissingCorrelationID = errors.New("rpc: error built without a correlation id")

// ErrorBuilder assembles error envelopes. The front-end constructs one
// relaxed builder per process; tests construct a strict one to prove that
// every error path receives the front-end's correlation id rather than
// minting its own.
type ErrorBuilder struct {
	// Strict refuses to generate a correlation id when none was provided.
	Strict bool
}

// Build assembles an RPCError. The message and every string detail pass
// through the redactor. With an empty correlationID a relaxed builder
// generates one as a last resort; a strict builder returns
// ErrMissingCorrelationID instead.
func (b ErrorBuilder) Build(code int, message string, category Category, reason string, retryable bool, correlationID string, details map[string]any) (*RPCError, error) {
	if correlationID == "" {
		if b.Strict {
			return nil, ErrMissingCorrelationID
		}
		correlationID = correlation.New()
	}

	redacted := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			redacted[k] = redact.String(s)
		} else {
			redacted[k] = v
		}
	}

	return &RPCError{
		Code:    code,
		Message: redact.String(message),
		Data: ErrorData{
			Category:      category,
			Reason:        reason,
			Retryable:     retryable,
			CorrelationID: correlationID,
			Details:       redacted,
		},
	}, nil
}
