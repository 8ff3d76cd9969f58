package logbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/engramhq/engram/internal/evidence"
)

// Audit statuses.
const (
	AuditStatusPending    = "pending"
	AuditStatusSuccess    = "success"
	AuditStatusRedirected = "redirected"
	AuditStatusRejected   = "rejected"
)

// AuditEntry is the write-side shape of an audit row. The same entry feeds
// both the two-phase path (WritePendingAudit then FinalizeAudit) and the
// single-phase path (WriteFinalAudit) used for rejects and worker flushes.
type AuditEntry struct {
	ProjectKey    string
	CorrelationID string
	ActorUserID   *string
	TargetSpace   string
	Action        string
	Reason        string
	PayloadSHA    string
	Evidence      evidence.Envelope
}

// AuditRow is the read-side shape.
type AuditRow struct {
	AuditID       int64
	ProjectKey    string
	CorrelationID string
	ActorUserID   *string
	TargetSpace   string
	Action        string
	Reason        string
	PayloadSHA    string
	Evidence      evidence.Envelope
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// upsertAuditSQL writes one audit row per (project_key, correlation_id).
// A second write under the same correlation id updates the existing row
// instead of inserting, so a request can never leave two audit rows behind.
const upsertAuditSQL = `
	INSERT INTO write_audit (
	    project_key, correlation_id, actor_user_id, target_space,
	    action, reason, payload_sha, evidence_refs_json, status
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	ON CONFLICT (project_key, correlation_id) DO UPDATE SET
	    actor_user_id      = EXCLUDED.actor_user_id,
	    target_space       = EXCLUDED.target_space,
	    action             = EXCLUDED.action,
	    reason             = EXCLUDED.reason,
	    payload_sha        = EXCLUDED.payload_sha,
	    evidence_refs_json = EXCLUDED.evidence_refs_json,
	    status             = EXCLUDED.status,
	    updated_at         = now()
	RETURNING audit_id`

// WritePendingAudit records phase one of the two-phase protocol: the decision
// is known, the downstream call has not happened yet.
func (db *DB) WritePendingAudit(ctx context.Context, e AuditEntry) (int64, error) {
	return db.writeAudit(ctx, e, AuditStatusPending)
}

// WriteFinalAudit records a single-phase audit already in its final state:
// policy/evidence/actor rejects, dedup hits, governance updates, and the
// worker's flush records.
func (db *DB) WriteFinalAudit(ctx context.Context, e AuditEntry, status string) (int64, error) {
	if status == AuditStatusPending {
		return 0, fmt.Errorf("logbook: final audit cannot be pending")
	}
	return db.writeAudit(ctx, e, status)
}

func (db *DB) writeAudit(ctx context.Context, e AuditEntry, status string) (int64, error) {
	envJSON, err := json.Marshal(e.Evidence)
	if err != nil {
		return 0, fmt.Errorf("logbook: marshal evidence envelope: %w", err)
	}

	var auditID int64
	if err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		return db.pool.QueryRow(ctx, upsertAuditSQL,
			e.ProjectKey, e.CorrelationID, e.ActorUserID, e.TargetSpace,
			e.Action, e.Reason, e.PayloadSHA, envJSON, status,
		).Scan(&auditID)
	}); err != nil {
		return 0, fmt.Errorf("logbook: write audit: %w", err)
	}
	return auditID, nil
}

// FinalizeAudit moves the pending row for the correlation id to its final
// status, appending reasonSuffix to the stored reason and shallow-merging
// patch into evidence_refs_json. Exactly one row must match; anything else
// means the two-phase protocol was violated and the caller must fail the
// request rather than report success.
func (db *DB) FinalizeAudit(ctx context.Context, projectKey, correlationID, status, reasonSuffix string, patch map[string]any) error {
	patchJSON := []byte(`{}`)
	if len(patch) > 0 {
		var err error
		patchJSON, err = json.Marshal(patch)
		if err != nil {
			return fmt.Errorf("logbook: marshal evidence patch: %w", err)
		}
	}

	var tag pgconn.CommandTag
	if err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		var err error
		tag, err = db.pool.Exec(ctx,
			`UPDATE write_audit
			 SET status             = $3,
			     reason             = reason || $4,
			     evidence_refs_json = evidence_refs_json || $5::jsonb,
			     updated_at         = now()
			 WHERE project_key = $1 AND correlation_id = $2 AND status = 'pending'`,
			projectKey, correlationID, status, reasonSuffix, patchJSON,
		)
		return err
	}); err != nil {
		return fmt.Errorf("logbook: finalize audit: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNoPendingAudit
	}
	return nil
}

// GetAuditByCorrelationID fetches the audit row for one correlation id.
func (db *DB) GetAuditByCorrelationID(ctx context.Context, projectKey, correlationID string) (AuditRow, error) {
	var (
		row     AuditRow
		envJSON []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT audit_id, project_key, correlation_id, actor_user_id, target_space,
		        action, reason, payload_sha, evidence_refs_json, status, created_at, updated_at
		 FROM write_audit
		 WHERE project_key = $1 AND correlation_id = $2`,
		projectKey, correlationID,
	).Scan(&row.AuditID, &row.ProjectKey, &row.CorrelationID, &row.ActorUserID, &row.TargetSpace,
		&row.Action, &row.Reason, &row.PayloadSHA, &envJSON, &row.Status, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditRow{}, fmt.Errorf("logbook: audit %s: %w", correlationID, ErrNotFound)
		}
		return AuditRow{}, fmt.Errorf("logbook: get audit: %w", err)
	}
	if err := json.Unmarshal(envJSON, &row.Evidence); err != nil {
		return AuditRow{}, fmt.Errorf("logbook: decode evidence envelope: %w", err)
	}
	return row, nil
}

// GetAuditByOutboxID fetches the handler-side audit row linked to an outbox
// row through the envelope's top-level outbox_id.
func (db *DB) GetAuditByOutboxID(ctx context.Context, projectKey string, outboxID int64) (AuditRow, error) {
	var (
		row     AuditRow
		envJSON []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT audit_id, project_key, correlation_id, actor_user_id, target_space,
		        action, reason, payload_sha, evidence_refs_json, status, created_at, updated_at
		 FROM write_audit
		 WHERE project_key = $1
		   AND (evidence_refs_json->>'outbox_id')::bigint = $2
		   AND evidence_refs_json->>'source' = 'gateway'`,
		projectKey, outboxID,
	).Scan(&row.AuditID, &row.ProjectKey, &row.CorrelationID, &row.ActorUserID, &row.TargetSpace,
		&row.Action, &row.Reason, &row.PayloadSHA, &envJSON, &row.Status, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditRow{}, fmt.Errorf("logbook: audit for outbox %d: %w", outboxID, ErrNotFound)
		}
		return AuditRow{}, fmt.Errorf("logbook: get audit by outbox id: %w", err)
	}
	if err := json.Unmarshal(envJSON, &row.Evidence); err != nil {
		return AuditRow{}, fmt.Errorf("logbook: decode evidence envelope: %w", err)
	}
	return row, nil
}
