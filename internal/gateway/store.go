package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/evidence"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory"
	"github.com/engramhq/engram/internal/policy"
	"github.com/engramhq/engram/internal/redact"
)

// StoreRequest is the memory_store argument set. PayloadMD is the only
// required field; the front-end's schema validation rejects requests
// without it before the handler runs.
type StoreRequest struct {
	PayloadMD    string           `json:"payload_md"`
	TargetSpace  string           `json:"target_space,omitempty"`
	MetaJSON     map[string]any   `json:"meta_json,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	EvidenceRefs []string         `json:"evidence_refs,omitempty"`
	Evidence     []map[string]any `json:"evidence,omitempty"`
	ActorUserID  string           `json:"actor_user_id,omitempty"`
	ItemID       string           `json:"item_id,omitempty"`
	IsBulk       bool             `json:"is_bulk,omitempty"`
}

// StoreResponse is the memory_store result for both wire formats.
type StoreResponse struct {
	OK            bool   `json:"ok"`
	Action        string `json:"action"`
	MemoryID      string `json:"memory_id,omitempty"`
	OutboxID      *int64 `json:"outbox_id,omitempty"`
	SpaceWritten  string `json:"space_written,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// MemoryStore runs the write path: actor check, dedup, evidence validation,
// policy, two-phase audit around the OpenMemory call, outbox on failure.
func (h *Handlers) MemoryStore(ctx context.Context, correlationID string, req StoreRequest) StoreResponse {
	if req.PayloadMD == "" {
		return StoreResponse{
			OK:            false,
			Action:        ActionReject,
			Message:       "payload_md is required",
			CorrelationID: correlationID,
		}
	}

	targetSpace := req.TargetSpace
	if targetSpace == "" {
		targetSpace = h.c.Config.DefaultTeamSpace
	}

	sum := sha256.Sum256([]byte(req.PayloadMD))
	payloadSHA := hex.EncodeToString(sum[:])

	env := evidence.Envelope{
		Source:        evidence.SourceGateway,
		CorrelationID: correlationID,
		PayloadSHA:    payloadSHA,
		Refs:          req.EvidenceRefs,
		Evidence:      req.Evidence,
		GatewayEvent:  h.gatewayEvent("memory_store", correlationID, payloadSHA),
	}

	entry := logbook.AuditEntry{
		ProjectKey:    h.c.Config.ProjectKey,
		CorrelationID: correlationID,
		ActorUserID:   optional(req.ActorUserID),
		TargetSpace:   targetSpace,
		PayloadSHA:    payloadSHA,
	}

	// Actor validation. Unknown actors are rejected, degraded to a private
	// space, or auto-created depending on deployment policy.
	if req.ActorUserID != "" {
		exists, err := h.c.Logbook.UserExists(ctx, req.ActorUserID)
		if err != nil {
			return h.storeError(correlationID, "actor lookup failed", err)
		}
		if !exists {
			switch h.c.Config.UnknownActorPolicy {
			case config.ActorPolicyReject:
				entry.Action = ActionReject
				entry.Reason = "actor_unknown:reject"
				entry.Evidence = withDecision(env, ActionReject, entry.Reason)
				if _, err := h.c.Logbook.WriteFinalAudit(ctx, entry, logbook.AuditStatusRejected); err != nil {
					return h.storeError(correlationID, "audit write failed", err)
				}
				return StoreResponse{
					OK:            false,
					Action:        ActionReject,
					Message:       "unknown actor " + req.ActorUserID,
					CorrelationID: correlationID,
				}
			case config.ActorPolicyDegrade:
				targetSpace = h.c.Config.PrivateSpacePrefix + "unknown"
				entry.TargetSpace = targetSpace
				entry.Action = ActionRedirect
				entry.Reason = "actor_unknown:degrade"
				entry.Evidence = withDecision(env, ActionRedirect, entry.Reason)
				if _, err := h.c.Logbook.WriteFinalAudit(ctx, entry, logbook.AuditStatusRedirected); err != nil {
					return h.storeError(correlationID, "audit write failed", err)
				}
			case config.ActorPolicyAutoCreate:
				if err := h.c.Logbook.EnsureUser(ctx, req.ActorUserID, ""); err != nil {
					return h.storeError(correlationID, "ensure user failed", err)
				}
				entry.Action = ActionAllow
				entry.Reason = "actor_autocreated"
				entry.Evidence = withDecision(env, ActionAllow, entry.Reason)
				if _, err := h.c.Logbook.WriteFinalAudit(ctx, entry, logbook.AuditStatusSuccess); err != nil {
					return h.storeError(correlationID, "audit write failed", err)
				}
			}
		}
	}

	// Dedup: a previously sent outbox row with the same space and payload
	// hash answers the request without touching OpenMemory.
	if sent, hit, err := h.c.Logbook.CheckDedup(ctx, targetSpace, payloadSHA); err != nil {
		return h.storeError(correlationID, "dedup lookup failed", err)
	} else if hit {
		memoryID := evidence.ParseMemoryID(sent.LastError)
		dedupEnv := withDecision(env, ActionAllow, "dedup_hit")
		dedupEnv.OriginalOutboxID = &sent.OutboxID
		dedupEnv.MemoryID = memoryID
		entry.Action = ActionAllow
		entry.Reason = "dedup_hit"
		entry.Evidence = dedupEnv
		if _, err := h.c.Logbook.WriteFinalAudit(ctx, entry, logbook.AuditStatusSuccess); err != nil {
			return h.storeError(correlationID, "audit write failed", err)
		}
		return StoreResponse{
			OK:            true,
			Action:        ActionAllow,
			MemoryID:      memoryID,
			SpaceWritten:  targetSpace,
			CorrelationID: correlationID,
		}
	}

	settings, err := h.c.Logbook.GetOrCreateSettings(ctx, h.c.Config.ProjectKey)
	if err != nil {
		return h.storeError(correlationID, "load settings failed", err)
	}

	// Evidence validation. Strict mode can be forced on by the policy even
	// when the global validation flag is off.
	mode := settings.EvidenceMode()
	validate := h.c.Config.ValidateEvidenceRefs ||
		(mode == evidence.ModeStrict && h.c.Config.StrictModeEnforceValidateRefs)
	if validate {
		if verr := evidence.Validate(req.Evidence, mode); verr != nil {
			entry.Action = ActionReject
			entry.Reason = verr.Code()
			rejEnv := withDecision(env, ActionReject, entry.Reason)
			rejEnv.GatewayEvent.Validation = verr.Error()
			entry.Evidence = rejEnv
			if _, err := h.c.Logbook.WriteFinalAudit(ctx, entry, logbook.AuditStatusRejected); err != nil {
				return h.storeError(correlationID, "audit write failed", err)
			}
			return StoreResponse{
				OK:            false,
				Action:        ActionReject,
				Message:       verr.Error(),
				CorrelationID: correlationID,
			}
		}
	}

	decision := policy.Evaluate(policy.Input{
		ActorUserID:        req.ActorUserID,
		TargetSpace:        targetSpace,
		TeamWriteEnabled:   settings.TeamWriteEnabled,
		PrivateSpacePrefix: h.c.Config.PrivateSpacePrefix,
	})
	if decision.Action == policy.ActionReject {
		entry.Action = ActionReject
		entry.Reason = decision.Reason
		entry.Evidence = withDecision(env, ActionReject, decision.Reason)
		if _, err := h.c.Logbook.WriteFinalAudit(ctx, entry, logbook.AuditStatusRejected); err != nil {
			return h.storeError(correlationID, "audit write failed", err)
		}
		return StoreResponse{
			OK:            false,
			Action:        ActionReject,
			Message:       "space " + targetSpace + " is not writable: " + decision.Reason,
			CorrelationID: correlationID,
		}
	}

	finalSpace := decision.FinalSpace

	// Phase 1: the decision is on record before OpenMemory is contacted.
	// If this insert fails the operation is blocked; no downstream call is
	// made that the audit trail could not account for.
	entry.TargetSpace = finalSpace
	entry.Action = string(decision.Action)
	entry.Reason = decision.Reason
	entry.Evidence = withDecision(env, string(decision.Action), decision.Reason)
	if _, err := h.c.Logbook.WritePendingAudit(ctx, entry); err != nil {
		return h.storeError(correlationID, "audit write failed", err)
	}

	result, storeErr := h.c.Memory.Store(ctx, openmemory.StoreRequest{
		Content:  req.PayloadMD,
		Space:    finalSpace,
		UserID:   req.ActorUserID,
		Metadata: storeMetadata(req),
	})

	if storeErr == nil {
		// Phase 2, success arm. A finalize failure blocks the request: the
		// write happened, but without a finalized audit row there is no
		// proof, and "success" without proof is the one answer this
		// handler must never give.
		patch := map[string]any{"memory_id": result.MemoryID}
		if err := h.c.Logbook.FinalizeAudit(ctx, h.c.Config.ProjectKey, correlationID,
			logbook.AuditStatusSuccess, "", patch); err != nil {
			return h.storeError(correlationID, "audit finalize failed", err)
		}
		return StoreResponse{
			OK:            true,
			Action:        string(decision.Action),
			MemoryID:      result.MemoryID,
			SpaceWritten:  finalSpace,
			CorrelationID: correlationID,
		}
	}

	// Phase 2, deferred arm: OpenMemory is down or misbehaving. Park the
	// payload in the outbox and finalize the audit as redirected.
	h.c.Logger.Warn("openmemory store failed, deferring to outbox",
		"correlation_id", correlationID,
		"space", finalSpace,
		"error", redact.Error(storeErr))

	outboxID, err := h.c.Logbook.EnqueueOutbox(ctx, req.PayloadMD, finalSpace, payloadSHA, correlationID, nil)
	if err != nil {
		return h.storeError(correlationID, "outbox enqueue failed", err)
	}

	patch := map[string]any{
		"outbox_id":       outboxID,
		"intended_action": string(decision.Action),
	}
	if err := h.c.Logbook.FinalizeAudit(ctx, h.c.Config.ProjectKey, correlationID,
		logbook.AuditStatusRedirected, ":outbox:"+strconv.FormatInt(outboxID, 10), patch); err != nil {
		return h.storeError(correlationID, "audit finalize failed", err)
	}

	return StoreResponse{
		OK:            false,
		Action:        ActionDeferred,
		OutboxID:      &outboxID,
		SpaceWritten:  finalSpace,
		Message:       "openmemory unavailable, write deferred: " + redact.Error(storeErr),
		CorrelationID: correlationID,
	}
}

func (h *Handlers) storeError(correlationID, msg string, err error) StoreResponse {
	h.c.Logger.Error("memory_store blocked",
		"correlation_id", correlationID,
		"message", msg,
		"error", redact.Error(err))
	return StoreResponse{
		OK:            false,
		Action:        ActionError,
		Message:       msg + ": " + redact.Error(err),
		CorrelationID: correlationID,
	}
}

func storeMetadata(req StoreRequest) map[string]any {
	if req.MetaJSON == nil && req.Kind == "" && req.ItemID == "" {
		return nil
	}
	md := make(map[string]any, len(req.MetaJSON)+2)
	for k, v := range req.MetaJSON {
		md[k] = v
	}
	if req.Kind != "" {
		md["kind"] = req.Kind
	}
	if req.ItemID != "" {
		md["item_id"] = req.ItemID
	}
	return md
}

func withDecision(env evidence.Envelope, decision, reason string) evidence.Envelope {
	if env.GatewayEvent != nil {
		ev := *env.GatewayEvent
		ev.Decision = decision
		ev.Policy = reason
		env.GatewayEvent = &ev
	}
	return env
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

