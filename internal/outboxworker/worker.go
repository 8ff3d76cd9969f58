// Package outboxworker drains deferred writes from the outbox back into
// OpenMemory.
//
// Workers claim pending rows under a lease (FOR UPDATE SKIP LOCKED in the
// logbook), push each payload to OpenMemory, and ack, retry with capped
// exponential backoff, or dead-letter. Every state change is scoped to the
// worker's own lease; a stolen or expired claim makes the update affect zero
// rows and the worker moves on.
package outboxworker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/engramhq/engram/internal/correlation"
	"github.com/engramhq/engram/internal/evidence"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory"
	"github.com/engramhq/engram/internal/redact"
	"github.com/engramhq/engram/internal/telemetry"
)

// Logbook is the slice of the logbook port the worker uses.
type Logbook interface {
	ClaimOutbox(ctx context.Context, workerID string, limit, leaseSeconds int) ([]logbook.OutboxRow, error)
	AckSent(ctx context.Context, outboxID int64, workerID, memoryID string) (bool, error)
	FailRetry(ctx context.Context, outboxID int64, workerID, lastError string, nextAttemptAt time.Time) (bool, error)
	MarkDead(ctx context.Context, outboxID int64, workerID, lastError string) (bool, error)
	RenewLease(ctx context.Context, outboxID int64, workerID string) (bool, error)
	WriteFinalAudit(ctx context.Context, e logbook.AuditEntry, status string) (int64, error)
	PendingOutboxCount(ctx context.Context) (int64, error)
	ResetDeadOutbox(ctx context.Context, outboxIDs []int64) (int64, error)
}

// Memory is the slice of the OpenMemory client the worker uses.
type Memory interface {
	Store(ctx context.Context, req openmemory.StoreRequest) (openmemory.StoreResult, error)
}

// Config tunes the pool. Zero values get defaults from New.
type Config struct {
	ProjectKey   string
	WorkerID     string // base identity; pool workers append an index
	Workers      int
	BatchSize    int
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	LeaseSeconds int
	PollInterval time.Duration
}

// Summary is one drain's outcome, the basis for the CLI exit code.
type Summary struct {
	Claimed int
	Sent    int
	Retried int
	Dead    int
	Errors  int
}

func (s *Summary) add(o Summary) {
	s.Claimed += o.Claimed
	s.Sent += o.Sent
	s.Retried += o.Retried
	s.Dead += o.Dead
	s.Errors += o.Errors
}

// ExitCode maps the summary to the worker CLI contract: 0 when the batch
// drained cleanly, 1 when rows died or errors occurred.
func (s Summary) ExitCode() int {
	if s.Dead > 0 || s.Errors > 0 {
		return 1
	}
	return 0
}

// Pool runs N worker identities against the outbox.
type Pool struct {
	db     Logbook
	memory Memory
	cfg    Config
	logger *slog.Logger
}

// New fills config defaults and returns a pool.
func New(db Logbook, memory Memory, cfg Config, logger *slog.Logger) *Pool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 60 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 120
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{db: db, memory: memory, cfg: cfg, logger: logger}
}

// RunOnce drains the outbox: every worker claims batches until none remain,
// then the pool reports the combined summary.
func (p *Pool) RunOnce(ctx context.Context) (Summary, error) {
	summaries := make([]Summary, p.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		workerID := p.workerID(i)
		summary := &summaries[i]
		g.Go(func() error {
			for {
				batch, err := p.processBatch(gctx, workerID)
				summary.add(batch)
				if err != nil {
					return err
				}
				if batch.Claimed == 0 {
					return nil
				}
			}
		})
	}
	err := g.Wait()

	var total Summary
	for _, s := range summaries {
		total.add(s)
	}
	p.logger.Info("outbox drain complete",
		"claimed", total.Claimed,
		"sent", total.Sent,
		"retried", total.Retried,
		"dead", total.Dead,
		"errors", total.Errors)
	return total, err
}

// Run loops until the context is cancelled, sleeping between empty batches.
func (p *Pool) Run(ctx context.Context) error {
	p.registerMetrics()

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		workerID := p.workerID(i)
		g.Go(func() error {
			ticker := time.NewTicker(p.cfg.PollInterval)
			defer ticker.Stop()
			for {
				batch, err := p.processBatch(gctx, workerID)
				if err != nil {
					p.logger.Error("outbox batch failed",
						"worker_id", workerID,
						"error", redact.Error(err))
				}
				if batch.Claimed > 0 {
					// More work is likely waiting; skip the sleep.
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) workerID(i int) string {
	if p.cfg.Workers == 1 {
		return p.cfg.WorkerID
	}
	return fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
}

// ResetDead returns dead rows to pending for another round of attempts.
func (p *Pool) ResetDead(ctx context.Context, ids []int64) (int64, error) {
	n, err := p.db.ResetDeadOutbox(ctx, ids)
	if err != nil {
		return 0, err
	}
	p.logger.Info("dead outbox rows reset", "count", n)
	return n, nil
}

func (p *Pool) processBatch(ctx context.Context, workerID string) (Summary, error) {
	var summary Summary

	rows, err := p.db.ClaimOutbox(ctx, workerID, p.cfg.BatchSize, p.cfg.LeaseSeconds)
	if err != nil {
		summary.Errors++
		return summary, fmt.Errorf("outboxworker: claim: %w", err)
	}
	summary.Claimed = len(rows)

	for _, row := range rows {
		// Row failures never abort the batch.
		switch p.processRow(ctx, workerID, row) {
		case outcomeSent:
			summary.Sent++
		case outcomeRetried:
			summary.Retried++
		case outcomeDead:
			summary.Dead++
		case outcomeLost:
			summary.Errors++
		}
	}
	return summary, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeDead
	outcomeLost
)

func (p *Pool) processRow(ctx context.Context, workerID string, row logbook.OutboxRow) outcome {
	// Keep the lease alive while the store call runs; a slow OpenMemory
	// response must not let another worker steal the row mid-flight.
	renewCtx, stopRenewal := context.WithCancel(ctx)
	go p.renewLoop(renewCtx, workerID, row.OutboxID)

	result, storeErr := p.memory.Store(ctx, openmemory.StoreRequest{
		Content: row.PayloadMD,
		Space:   row.TargetSpace,
	})
	stopRenewal()

	if storeErr == nil {
		return p.ackRow(ctx, workerID, row, result.MemoryID)
	}

	errText := redact.Error(storeErr)
	if openmemory.IsPermanent(storeErr) {
		// 4xx: no retry will change the answer.
		return p.deadRow(ctx, workerID, row, errText)
	}

	if row.RetryCount+1 >= p.cfg.MaxRetries {
		return p.deadRow(ctx, workerID, row, errText)
	}

	nextAttempt := time.Now().UTC().Add(Backoff(p.cfg.BaseBackoff, p.cfg.MaxBackoff, row.RetryCount))
	ok, err := p.db.FailRetry(ctx, row.OutboxID, workerID, errText, nextAttempt)
	if err != nil {
		p.logger.Error("outbox retry update failed",
			"outbox_id", row.OutboxID, "worker_id", workerID, "error", redact.Error(err))
		return outcomeLost
	}
	if !ok {
		p.logClaimLost(workerID, row.OutboxID)
		return outcomeLost
	}
	p.logger.Warn("outbox row will retry",
		"outbox_id", row.OutboxID,
		"worker_id", workerID,
		"retry_count", row.RetryCount+1,
		"next_attempt_at", nextAttempt,
		"error", errText)
	return outcomeRetried
}

func (p *Pool) ackRow(ctx context.Context, workerID string, row logbook.OutboxRow, memoryID string) outcome {
	ok, err := p.db.AckSent(ctx, row.OutboxID, workerID, memoryID)
	if err != nil {
		p.logger.Error("outbox ack failed",
			"outbox_id", row.OutboxID, "worker_id", workerID, "error", redact.Error(err))
		return outcomeLost
	}
	if !ok {
		p.logClaimLost(workerID, row.OutboxID)
		return outcomeLost
	}

	// The flush audit uses a fresh worker correlation id; the linkage to the
	// originating request is through the shared outbox_id.
	workerCorr := correlation.New()
	env := evidence.Envelope{
		Source:        evidence.SourceOutboxWorker,
		CorrelationID: workerCorr,
		PayloadSHA:    row.PayloadSHA,
		OutboxID:      &row.OutboxID,
		MemoryID:      memoryID,
		Extra: map[string]any{
			"correlation_id": workerCorr,
			"attempt_id":     attemptID(),
		},
	}
	if _, err := p.db.WriteFinalAudit(ctx, logbook.AuditEntry{
		ProjectKey:    p.cfg.ProjectKey,
		CorrelationID: workerCorr,
		TargetSpace:   row.TargetSpace,
		Action:        "allow",
		Reason:        "outbox_flush_success",
		PayloadSHA:    row.PayloadSHA,
		Evidence:      env,
	}, logbook.AuditStatusSuccess); err != nil {
		// The row is sent; a missing flush audit is an observability gap,
		// not a correctness one. Log loudly and keep draining.
		p.logger.Error("flush audit write failed",
			"outbox_id", row.OutboxID, "worker_id", workerID, "error", redact.Error(err))
	}

	p.logger.Info("outbox row sent",
		"outbox_id", row.OutboxID,
		"worker_id", workerID,
		"memory_id", memoryID,
		"space", row.TargetSpace)
	return outcomeSent
}

func (p *Pool) deadRow(ctx context.Context, workerID string, row logbook.OutboxRow, errText string) outcome {
	ok, err := p.db.MarkDead(ctx, row.OutboxID, workerID, errText)
	if err != nil {
		p.logger.Error("outbox dead-letter update failed",
			"outbox_id", row.OutboxID, "worker_id", workerID, "error", redact.Error(err))
		return outcomeLost
	}
	if !ok {
		p.logClaimLost(workerID, row.OutboxID)
		return outcomeLost
	}
	p.logger.Error("outbox row dead-lettered",
		"outbox_id", row.OutboxID,
		"worker_id", workerID,
		"retry_count", row.RetryCount+1,
		"error", errText)
	return outcomeDead
}

func (p *Pool) logClaimLost(workerID string, outboxID int64) {
	p.logger.Warn("outbox claim lost, skipping row",
		"outbox_id", outboxID,
		"worker_id", workerID)
}

// renewLoop re-stamps the lease at half its lifetime until cancelled.
func (p *Pool) renewLoop(ctx context.Context, workerID string, outboxID int64) {
	interval := time.Duration(p.cfg.LeaseSeconds) * time.Second / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.db.RenewLease(ctx, outboxID, workerID)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("lease renewal failed",
					"outbox_id", outboxID, "worker_id", workerID, "error", redact.Error(err))
				continue
			}
			if err == nil && !ok {
				p.logClaimLost(workerID, outboxID)
				return
			}
		}
	}
}

// Backoff computes base * 2^retryCount, capped.
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	d := base
	for range retryCount {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func attemptID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "attempt-" + uuid.NewString()[:16]
	}
	return "attempt-" + hex.EncodeToString(b[:])
}

func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("engram/outbox")
	gauge, err := meter.Int64ObservableGauge("outbox.pending_depth",
		metric.WithDescription("Rows waiting to be drained"))
	if err != nil {
		p.logger.Warn("outbox gauge registration failed", "error", err)
		return
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := p.db.PendingOutboxCount(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	if err != nil {
		p.logger.Warn("outbox gauge callback registration failed", "error", err)
	}
}
