// Package evidence models the audit evidence envelope and validates
// caller-supplied evidence references.
package evidence

import "strings"

// Envelope sources.
const (
	SourceGateway      = "gateway"
	SourceOutboxWorker = "outbox_worker"
)

// EnvelopeSchemaVersion is stamped into every gateway_event sub-object.
const EnvelopeSchemaVersion = 1

// Envelope is the structured form of an audit row's evidence_refs_json.
//
// The top-level fields are flat so SQL can reach them directly, e.g.
// (evidence_refs_json->>'outbox_id')::int. Everything request-specific that
// has no fixed column lives under Extra.
type Envelope struct {
	Source           string           `json:"source"`
	CorrelationID    string           `json:"correlation_id"`
	PayloadSHA       string           `json:"payload_sha,omitempty"`
	OutboxID         *int64           `json:"outbox_id,omitempty"`
	OriginalOutboxID *int64           `json:"original_outbox_id,omitempty"`
	MemoryID         string           `json:"memory_id,omitempty"`
	IntendedAction   string           `json:"intended_action,omitempty"`
	Refs             []string         `json:"refs,omitempty"`
	Evidence         []map[string]any `json:"evidence,omitempty"`
	GatewayEvent     *GatewayEvent    `json:"gateway_event,omitempty"`
	Extra            map[string]any   `json:"extra,omitempty"`
}

// GatewayEvent mirrors the envelope's identifying fields and records how the
// decision was reached. Single-phase rejects carry the validation detail here.
type GatewayEvent struct {
	SchemaVersion  int    `json:"schema_version"`
	Operation      string `json:"operation"`
	Decision       string `json:"decision,omitempty"`
	Policy         string `json:"policy,omitempty"`
	Validation     string `json:"validation,omitempty"`
	Source         string `json:"source"`
	CorrelationID  string `json:"correlation_id"`
	PayloadSHA     string `json:"payload_sha,omitempty"`
	OutboxID       *int64 `json:"outbox_id,omitempty"`
	MemoryID       string `json:"memory_id,omitempty"`
	IntendedAction string `json:"intended_action,omitempty"`
}

// WithOutbox returns a copy of the envelope linked to an outbox row. The
// intended action records what the policy had decided before the write was
// deferred.
func (e Envelope) WithOutbox(outboxID int64, intendedAction string) Envelope {
	e.OutboxID = &outboxID
	e.IntendedAction = intendedAction
	if e.GatewayEvent != nil {
		ev := *e.GatewayEvent
		ev.OutboxID = &outboxID
		ev.IntendedAction = intendedAction
		e.GatewayEvent = &ev
	}
	return e
}

// WithMemoryID returns a copy of the envelope carrying the stored memory id.
func (e Envelope) WithMemoryID(memoryID string) Envelope {
	e.MemoryID = memoryID
	if e.GatewayEvent != nil {
		ev := *e.GatewayEvent
		ev.MemoryID = memoryID
		e.GatewayEvent = &ev
	}
	return e
}

// ParseMemoryID extracts the memory id the worker stores in an outbox row's
// last_error ("memory_id=<id>"). Rows written by older workers may hold the
// bare id; in that case the whole value is returned.
func ParseMemoryID(lastError string) string {
	s := strings.TrimSpace(lastError)
	if rest, ok := strings.CutPrefix(s, "memory_id="); ok {
		return strings.TrimSpace(rest)
	}
	return s
}
