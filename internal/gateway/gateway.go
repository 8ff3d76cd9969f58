// Package gateway implements the five MCP tool handlers: memory_store,
// memory_query, governance_update, evidence_upload, reliability_report.
//
// Handlers orchestrate the logbook port, the OpenMemory client, the policy
// engine, and the evidence validator. They never generate correlation ids
// (the RPC front-end passes one in) and they never let an error escape the
// response envelope: infrastructure failures come back as action "error",
// decisions as "reject", deferred writes as "deferred".
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/engramhq/engram/internal/artifact"
	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/evidence"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory"
)

// Logbook is the slice of the logbook port the handlers use. *logbook.DB
// satisfies it; tests substitute a fake.
type Logbook interface {
	GetOrCreateSettings(ctx context.Context, projectKey string) (logbook.Settings, error)
	UpsertSettings(ctx context.Context, projectKey string, teamWriteEnabled *bool, policyJSON map[string]any, updatedBy string) error
	UserExists(ctx context.Context, userID string) (bool, error)
	EnsureUser(ctx context.Context, userID, displayName string) error
	CheckDedup(ctx context.Context, targetSpace, payloadSHA string) (logbook.SentRow, bool, error)
	WritePendingAudit(ctx context.Context, e logbook.AuditEntry) (int64, error)
	WriteFinalAudit(ctx context.Context, e logbook.AuditEntry, status string) (int64, error)
	FinalizeAudit(ctx context.Context, projectKey, correlationID, status, reasonSuffix string, patch map[string]any) error
	EnqueueOutbox(ctx context.Context, payloadMD, targetSpace, payloadSHA, correlationID string, nextAttemptAt *time.Time) (int64, error)
	QueryKnowledgeCandidates(ctx context.Context, q logbook.CandidateQuery) ([]logbook.Candidate, error)
	GetReliabilityReport(ctx context.Context) (logbook.ReliabilityReport, error)
}

// Memory is the slice of the OpenMemory client the handlers use.
type Memory interface {
	Store(ctx context.Context, req openmemory.StoreRequest) (openmemory.StoreResult, error)
	Search(ctx context.Context, req openmemory.SearchRequest) (openmemory.SearchResult, error)
}

// Container holds every dependency the handlers need. It is assembled once
// at startup and passed around explicitly; tests build one around fakes.
type Container struct {
	Config    config.Config
	Logbook   Logbook
	Memory    Memory
	Artifacts artifact.Store
	Logger    *slog.Logger
}

// Handlers exposes the tool implementations over a Container.
type Handlers struct {
	c Container
}

// NewHandlers validates nothing beyond nil-safety of the logger; the
// container's required fields are the caller's responsibility.
func NewHandlers(c Container) *Handlers {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Handlers{c: c}
}

// Actions a handler response can carry.
const (
	ActionAllow    = "allow"
	ActionRedirect = "redirect"
	ActionDeferred = "deferred"
	ActionReject   = "reject"
	ActionError    = "error"
)

func (h *Handlers) gatewayEvent(operation, correlationID, payloadSHA string) *evidence.GatewayEvent {
	return &evidence.GatewayEvent{
		SchemaVersion: evidence.EnvelopeSchemaVersion,
		Operation:     operation,
		Source:        evidence.SourceGateway,
		CorrelationID: correlationID,
		PayloadSHA:    payloadSHA,
	}
}
