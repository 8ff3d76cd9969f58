package gateway

import (
	"context"
	"crypto/subtle"

	"github.com/engramhq/engram/internal/evidence"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/redact"
)

// GovernanceRequest is the governance_update argument set. Partial updates
// are the norm: either field may be absent.
type GovernanceRequest struct {
	TeamWriteEnabled *bool          `json:"team_write_enabled,omitempty"`
	PolicyJSON       map[string]any `json:"policy_json,omitempty"`
	AdminKey         string         `json:"admin_key,omitempty"`
	ActorUserID      string         `json:"actor_user_id,omitempty"`
}

// GovernanceResponse is the governance_update result.
type GovernanceResponse struct {
	OK               bool           `json:"ok"`
	Action           string         `json:"action"`
	TeamWriteEnabled bool           `json:"team_write_enabled"`
	PolicyJSON       map[string]any `json:"policy_json,omitempty"`
	Message          string         `json:"message,omitempty"`
	CorrelationID    string         `json:"correlation_id"`
}

// GovernanceUpdate upserts project settings behind the admin-key gate. A key
// mismatch is a business reject, not a protocol error.
func (h *Handlers) GovernanceUpdate(ctx context.Context, correlationID string, req GovernanceRequest) GovernanceResponse {
	if key := h.c.Config.GovernanceAdminKey; key != "" {
		if subtle.ConstantTimeCompare([]byte(req.AdminKey), []byte(key)) != 1 {
			return GovernanceResponse{
				OK:            false,
				Action:        ActionReject,
				Message:       "admin_key_mismatch",
				CorrelationID: correlationID,
			}
		}
	}

	if err := h.c.Logbook.UpsertSettings(ctx, h.c.Config.ProjectKey,
		req.TeamWriteEnabled, req.PolicyJSON, req.ActorUserID); err != nil {
		return GovernanceResponse{
			OK:            false,
			Action:        ActionError,
			Message:       "settings upsert failed: " + redact.Error(err),
			CorrelationID: correlationID,
		}
	}

	settings, err := h.c.Logbook.GetOrCreateSettings(ctx, h.c.Config.ProjectKey)
	if err != nil {
		return GovernanceResponse{
			OK:            false,
			Action:        ActionError,
			Message:       "settings read-back failed: " + redact.Error(err),
			CorrelationID: correlationID,
		}
	}

	env := evidence.Envelope{
		Source:        evidence.SourceGateway,
		CorrelationID: correlationID,
		GatewayEvent:  h.gatewayEvent("governance_update", correlationID, ""),
	}
	entry := logbook.AuditEntry{
		ProjectKey:    h.c.Config.ProjectKey,
		CorrelationID: correlationID,
		ActorUserID:   optional(req.ActorUserID),
		Action:        ActionAllow,
		Reason:        "governance_update",
		Evidence:      withDecision(env, ActionAllow, "governance_update"),
	}
	if _, err := h.c.Logbook.WriteFinalAudit(ctx, entry, logbook.AuditStatusSuccess); err != nil {
		return GovernanceResponse{
			OK:            false,
			Action:        ActionError,
			Message:       "audit write failed: " + redact.Error(err),
			CorrelationID: correlationID,
		}
	}

	return GovernanceResponse{
		OK:               true,
		Action:           ActionAllow,
		TeamWriteEnabled: settings.TeamWriteEnabled,
		PolicyJSON:       settings.PolicyJSON,
		CorrelationID:    correlationID,
	}
}
