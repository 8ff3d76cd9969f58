package logbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Outbox statuses.
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusDead    = "dead"
)

// OutboxRow is one deferred write.
type OutboxRow struct {
	OutboxID      int64
	TargetSpace   string
	PayloadMD     string
	PayloadSHA    string
	CorrelationID string
	Status        string
	RetryCount    int
	NextAttemptAt time.Time
	LockedBy      *string
	LockedAt      *time.Time
	LeaseSeconds  int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SentRow is the dedup lookup result: a previously sent outbox row whose
// last_error carries the memory id the worker recorded.
type SentRow struct {
	OutboxID  int64
	LastError string
}

const outboxColumns = `outbox_id, target_space, payload_md, payload_sha, correlation_id,
	status, retry_count, next_attempt_at, locked_by, locked_at, lease_seconds,
	last_error, created_at, updated_at`

func scanOutboxRow(row pgx.Row) (OutboxRow, error) {
	var r OutboxRow
	err := row.Scan(&r.OutboxID, &r.TargetSpace, &r.PayloadMD, &r.PayloadSHA, &r.CorrelationID,
		&r.Status, &r.RetryCount, &r.NextAttemptAt, &r.LockedBy, &r.LockedAt, &r.LeaseSeconds,
		&r.LastError, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// EnqueueOutbox persists a deferred write and returns its id. The row becomes
// claimable immediately unless nextAttemptAt pushes it into the future.
func (db *DB) EnqueueOutbox(ctx context.Context, payloadMD, targetSpace, payloadSHA, correlationID string, nextAttemptAt *time.Time) (int64, error) {
	at := time.Now().UTC()
	if nextAttemptAt != nil {
		at = *nextAttemptAt
	}

	var outboxID int64
	if err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO outbox_memory (target_space, payload_md, payload_sha, correlation_id, status, next_attempt_at)
			 VALUES ($1, $2, $3, $4, 'pending', $5)
			 RETURNING outbox_id`,
			targetSpace, payloadMD, payloadSHA, correlationID, at,
		).Scan(&outboxID)
	}); err != nil {
		return 0, fmt.Errorf("logbook: enqueue outbox: %w", err)
	}
	return outboxID, nil
}

// CheckDedup looks for a previously sent row with the same target space and
// payload hash. The most recently sent one wins.
func (db *DB) CheckDedup(ctx context.Context, targetSpace, payloadSHA string) (SentRow, bool, error) {
	var sent SentRow
	err := db.pool.QueryRow(ctx,
		`SELECT outbox_id, last_error
		 FROM outbox_memory
		 WHERE target_space = $1 AND payload_sha = $2 AND status = 'sent'
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		targetSpace, payloadSHA,
	).Scan(&sent.OutboxID, &sent.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SentRow{}, false, nil
		}
		return SentRow{}, false, fmt.Errorf("logbook: dedup lookup: %w", err)
	}
	return sent, true, nil
}

// ClaimOutbox leases up to limit ready rows for the given worker. A row is
// ready when it is pending, due, and either unlocked or holding an expired
// lease. SKIP LOCKED keeps concurrent workers from blocking on each other;
// the rows are returned already stamped with this worker's lock.
func (db *DB) ClaimOutbox(ctx context.Context, workerID string, limit, leaseSeconds int) ([]OutboxRow, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE outbox_memory
		 SET locked_by     = $1,
		     locked_at     = now(),
		     lease_seconds = $3,
		     updated_at    = now()
		 WHERE outbox_id IN (
		     SELECT outbox_id FROM outbox_memory
		     WHERE status = 'pending'
		       AND next_attempt_at <= now()
		       AND (locked_at IS NULL OR locked_at < now() - lease_seconds * interval '1 second')
		     ORDER BY next_attempt_at, created_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+outboxColumns,
		workerID, limit, leaseSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("logbook: claim outbox: %w", err)
	}
	defer rows.Close()

	var claimed []OutboxRow
	for rows.Next() {
		r, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("logbook: scan claimed row: %w", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logbook: claim outbox rows: %w", err)
	}
	return claimed, nil
}

// AckSent marks a claimed row sent and stores "memory_id=<id>" in last_error
// for the dedup lookup. Returns false when the lease was stolen or already
// released; the caller logs and moves on.
func (db *DB) AckSent(ctx context.Context, outboxID int64, workerID, memoryID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_memory
		 SET status     = 'sent',
		     last_error = 'memory_id=' || $3,
		     locked_by  = NULL,
		     locked_at  = NULL,
		     updated_at = now()
		 WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID, memoryID,
	)
	if err != nil {
		return false, fmt.Errorf("logbook: ack sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailRetry releases a claimed row for a later attempt, bumping retry_count
// and recording the error. nextAttemptAt is the caller-computed backoff.
func (db *DB) FailRetry(ctx context.Context, outboxID int64, workerID, lastError string, nextAttemptAt time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_memory
		 SET retry_count     = retry_count + 1,
		     last_error      = $3,
		     next_attempt_at = $4,
		     locked_by       = NULL,
		     locked_at       = NULL,
		     updated_at      = now()
		 WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID, lastError, nextAttemptAt,
	)
	if err != nil {
		return false, fmt.Errorf("logbook: fail retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDead dead-letters a claimed row: retries exhausted or the failure is
// permanent (4xx).
func (db *DB) MarkDead(ctx context.Context, outboxID int64, workerID, lastError string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_memory
		 SET status      = 'dead',
		     retry_count = retry_count + 1,
		     last_error  = $3,
		     locked_by   = NULL,
		     locked_at   = NULL,
		     updated_at  = now()
		 WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID, lastError,
	)
	if err != nil {
		return false, fmt.Errorf("logbook: mark dead: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RenewLease re-stamps locked_at so a slow OpenMemory call does not lose the
// row to another worker mid-flight.
func (db *DB) RenewLease(ctx context.Context, outboxID int64, workerID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_memory
		 SET locked_at  = now(),
		     updated_at = now()
		 WHERE outbox_id = $1 AND locked_by = $2 AND status = 'pending'`,
		outboxID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("logbook: renew lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetDeadOutbox returns dead rows to pending, clearing their retry state.
// With no ids it resets every dead row.
func (db *DB) ResetDeadOutbox(ctx context.Context, outboxIDs []int64) (int64, error) {
	query := `UPDATE outbox_memory
	          SET status          = 'pending',
	              retry_count     = 0,
	              last_error      = '',
	              next_attempt_at = now(),
	              locked_by       = NULL,
	              locked_at       = NULL,
	              updated_at      = now()
	          WHERE status = 'dead'`
	args := []any{}
	if len(outboxIDs) > 0 {
		query += ` AND outbox_id = ANY($1)`
		args = append(args, outboxIDs)
	}

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("logbook: reset dead outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetOutboxRow fetches one row by id.
func (db *DB) GetOutboxRow(ctx context.Context, outboxID int64) (OutboxRow, error) {
	r, err := scanOutboxRow(db.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox_memory WHERE outbox_id = $1`,
		outboxID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OutboxRow{}, fmt.Errorf("logbook: outbox %d: %w", outboxID, ErrNotFound)
		}
		return OutboxRow{}, fmt.Errorf("logbook: get outbox row: %w", err)
	}
	return r, nil
}

// PendingOutboxCount reports how many rows are waiting to be drained.
func (db *DB) PendingOutboxCount(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_memory WHERE status = 'pending'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("logbook: pending outbox count: %w", err)
	}
	return n, nil
}
