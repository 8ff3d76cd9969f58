package logbook

import (
	"context"
	"fmt"
)

// OutboxStats aggregates the outbox_memory table.
type OutboxStats struct {
	Total                   int64            `json:"total"`
	ByStatus                map[string]int64 `json:"by_status"`
	AvgRetryCount           float64          `json:"avg_retry_count"`
	OldestPendingAgeSeconds float64          `json:"oldest_pending_age_seconds"`
}

// AuditStats aggregates the write_audit table. ByReason buckets reasons into
// the operationally interesting families; a row lands in the first bucket
// that matches.
type AuditStats struct {
	Total     int64            `json:"total"`
	ByAction  map[string]int64 `json:"by_action"`
	Recent24h int64            `json:"recent_24h"`
	ByReason  map[string]int64 `json:"by_reason"`
}

// ReliabilityReport is the combined read for the reliability_report tool.
type ReliabilityReport struct {
	Outbox OutboxStats `json:"outbox_stats"`
	Audit  AuditStats  `json:"audit_stats"`
}

// GetReliabilityReport computes both aggregate blocks in two queries.
func (db *DB) GetReliabilityReport(ctx context.Context) (ReliabilityReport, error) {
	var report ReliabilityReport

	outbox := &report.Outbox
	outbox.ByStatus = map[string]int64{}
	var pending, sent, dead int64
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'pending'),
		        count(*) FILTER (WHERE status = 'sent'),
		        count(*) FILTER (WHERE status = 'dead'),
		        COALESCE(avg(retry_count), 0),
		        COALESCE(EXTRACT(EPOCH FROM (now() - min(created_at) FILTER (WHERE status = 'pending'))), 0)
		 FROM outbox_memory`,
	).Scan(&outbox.Total, &pending, &sent, &dead,
		&outbox.AvgRetryCount, &outbox.OldestPendingAgeSeconds); err != nil {
		return ReliabilityReport{}, fmt.Errorf("logbook: outbox stats: %w", err)
	}
	outbox.ByStatus[OutboxStatusPending] = pending
	outbox.ByStatus[OutboxStatusSent] = sent
	outbox.ByStatus[OutboxStatusDead] = dead

	audit := &report.Audit
	audit.ByAction = map[string]int64{}
	audit.ByReason = map[string]int64{}
	var (
		allow, redirect, reject                    int64
		policyN, omFailedN, flushN, dedupN, otherN int64
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE action = 'allow'),
		        count(*) FILTER (WHERE action = 'redirect'),
		        count(*) FILTER (WHERE action = 'reject'),
		        count(*) FILTER (WHERE created_at > now() - interval '24 hours'),
		        count(*) FILTER (WHERE reason LIKE 'outbox_flush_success%'),
		        count(*) FILTER (WHERE status = 'redirected' AND reason LIKE '%:outbox:%'),
		        count(*) FILTER (WHERE reason LIKE 'dedup_hit%'),
		        count(*) FILTER (WHERE reason LIKE 'policy:%'
		                           AND reason NOT LIKE 'outbox_flush_success%'
		                           AND NOT (status = 'redirected' AND reason LIKE '%:outbox:%'))
		 FROM write_audit`,
	).Scan(&audit.Total, &allow, &redirect, &reject, &audit.Recent24h,
		&flushN, &omFailedN, &dedupN, &policyN); err != nil {
		return ReliabilityReport{}, fmt.Errorf("logbook: audit stats: %w", err)
	}
	audit.ByAction["allow"] = allow
	audit.ByAction["redirect"] = redirect
	audit.ByAction["reject"] = reject
	otherN = audit.Total - policyN - omFailedN - flushN - dedupN
	if otherN < 0 {
		otherN = 0
	}
	audit.ByReason["policy"] = policyN
	audit.ByReason["openmemory_write_failed"] = omFailedN
	audit.ByReason["outbox_flush_success"] = flushN
	audit.ByReason["dedup_hit"] = dedupN
	audit.ByReason["other"] = otherN

	return report, nil
}
