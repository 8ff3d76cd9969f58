package gateway

import (
	"context"
	"time"

	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/redact"
)

// ReportResponse is the reliability_report result: a pure read of outbox and
// audit aggregates.
type ReportResponse struct {
	OK            bool                 `json:"ok"`
	OutboxStats   *logbook.OutboxStats `json:"outbox_stats,omitempty"`
	AuditStats    *logbook.AuditStats  `json:"audit_stats,omitempty"`
	GeneratedAt   string               `json:"generated_at"`
	Message       string               `json:"message,omitempty"`
	CorrelationID string               `json:"correlation_id"`
}

// ReliabilityReport aggregates outbox and audit health from the logbook.
func (h *Handlers) ReliabilityReport(ctx context.Context, correlationID string) ReportResponse {
	now := time.Now().UTC().Format(time.RFC3339)

	report, err := h.c.Logbook.GetReliabilityReport(ctx)
	if err != nil {
		return ReportResponse{
			OK:            false,
			GeneratedAt:   now,
			Message:       "report query failed: " + redact.Error(err),
			CorrelationID: correlationID,
		}
	}

	return ReportResponse{
		OK:            true,
		OutboxStats:   &report.Outbox,
		AuditStats:    &report.Audit,
		GeneratedAt:   now,
		CorrelationID: correlationID,
	}
}
