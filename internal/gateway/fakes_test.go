package gateway

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory/openmemorytest"
)

// auditRecord is what the fake logbook keeps per correlation id. Writes
// upsert; the row count per correlation id can never exceed one, matching
// the unique index on (project_key, correlation_id).
type auditRecord struct {
	Entry  logbook.AuditEntry
	Status string
	Writes int
}

type fakeLogbook struct {
	mu sync.Mutex

	settings    logbook.Settings
	settingsErr error

	users   map[string]bool
	ensured []string

	dedup    map[string]logbook.SentRow // keyed space + "\x00" + sha
	dedupErr error

	audits      map[string]*auditRecord
	pendingErr  error
	finalErr    error
	finalizeErr error

	outbox       []logbook.OutboxRow
	nextOutboxID int64
	enqueueErr   error

	candidates    []logbook.Candidate
	candidatesErr error
	candidateQs   []logbook.CandidateQuery

	report    logbook.ReliabilityReport
	reportErr error
}

func newFakeLogbook() *fakeLogbook {
	return &fakeLogbook{
		settings: logbook.Settings{
			ProjectKey:       "default",
			TeamWriteEnabled: true,
			PolicyJSON:       map[string]any{},
		},
		users:        map[string]bool{},
		dedup:        map[string]logbook.SentRow{},
		audits:       map[string]*auditRecord{},
		nextOutboxID: 100,
	}
}

func dedupKey(space, sha string) string { return space + "\x00" + sha }

func (f *fakeLogbook) GetOrCreateSettings(_ context.Context, projectKey string) (logbook.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settingsErr != nil {
		return logbook.Settings{}, f.settingsErr
	}
	s := f.settings
	s.ProjectKey = projectKey
	return s, nil
}

func (f *fakeLogbook) UpsertSettings(_ context.Context, _ string, teamWriteEnabled *bool, policyJSON map[string]any, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settingsErr != nil {
		return f.settingsErr
	}
	if teamWriteEnabled != nil {
		f.settings.TeamWriteEnabled = *teamWriteEnabled
	}
	if policyJSON != nil {
		f.settings.PolicyJSON = policyJSON
	}
	if updatedBy != "" {
		f.settings.UpdatedBy = &updatedBy
	}
	return nil
}

func (f *fakeLogbook) UserExists(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeLogbook) EnsureUser(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = true
	f.ensured = append(f.ensured, userID)
	return nil
}

func (f *fakeLogbook) CheckDedup(_ context.Context, targetSpace, payloadSHA string) (logbook.SentRow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dedupErr != nil {
		return logbook.SentRow{}, false, f.dedupErr
	}
	sent, ok := f.dedup[dedupKey(targetSpace, payloadSHA)]
	return sent, ok, nil
}

func (f *fakeLogbook) WritePendingAudit(_ context.Context, e logbook.AuditEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return 0, f.pendingErr
	}
	f.upsertAudit(e, logbook.AuditStatusPending)
	return int64(len(f.audits)), nil
}

func (f *fakeLogbook) WriteFinalAudit(_ context.Context, e logbook.AuditEntry, status string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalErr != nil {
		return 0, f.finalErr
	}
	f.upsertAudit(e, status)
	return int64(len(f.audits)), nil
}

func (f *fakeLogbook) upsertAudit(e logbook.AuditEntry, status string) {
	rec, ok := f.audits[e.CorrelationID]
	if !ok {
		rec = &auditRecord{}
		f.audits[e.CorrelationID] = rec
	}
	rec.Entry = e
	rec.Status = status
	rec.Writes++
}

func (f *fakeLogbook) FinalizeAudit(_ context.Context, _, correlationID, status, reasonSuffix string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	rec, ok := f.audits[correlationID]
	if !ok || rec.Status != logbook.AuditStatusPending {
		return logbook.ErrNoPendingAudit
	}
	rec.Status = status
	rec.Entry.Reason += reasonSuffix
	if id, ok := patch["memory_id"].(string); ok {
		rec.Entry.Evidence = rec.Entry.Evidence.WithMemoryID(id)
	}
	if id, ok := patch["outbox_id"].(int64); ok {
		intended, _ := patch["intended_action"].(string)
		rec.Entry.Evidence = rec.Entry.Evidence.WithOutbox(id, intended)
	}
	return nil
}

func (f *fakeLogbook) EnqueueOutbox(_ context.Context, payloadMD, targetSpace, payloadSHA, correlationID string, nextAttemptAt *time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.nextOutboxID++
	at := time.Now().UTC()
	if nextAttemptAt != nil {
		at = *nextAttemptAt
	}
	f.outbox = append(f.outbox, logbook.OutboxRow{
		OutboxID:      f.nextOutboxID,
		TargetSpace:   targetSpace,
		PayloadMD:     payloadMD,
		PayloadSHA:    payloadSHA,
		CorrelationID: correlationID,
		Status:        logbook.OutboxStatusPending,
		NextAttemptAt: at,
	})
	return f.nextOutboxID, nil
}

func (f *fakeLogbook) QueryKnowledgeCandidates(_ context.Context, q logbook.CandidateQuery) ([]logbook.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidateQs = append(f.candidateQs, q)
	if f.candidatesErr != nil {
		return nil, f.candidatesErr
	}
	return f.candidates, nil
}

func (f *fakeLogbook) GetReliabilityReport(_ context.Context) (logbook.ReliabilityReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return logbook.ReliabilityReport{}, f.reportErr
	}
	return f.report, nil
}

func (f *fakeLogbook) audit(correlationID string) *auditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audits[correlationID]
}

func (f *fakeLogbook) outboxRows() []logbook.OutboxRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logbook.OutboxRow(nil), f.outbox...)
}

func (f *fakeLogbook) preloadSent(space, sha string, outboxID int64, lastError string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dedup[dedupKey(space, sha)] = logbook.SentRow{OutboxID: outboxID, LastError: lastError}
}

func testConfig() config.Config {
	return config.Config{
		ProjectKey:           "default",
		DefaultTeamSpace:     "team:shared",
		PrivateSpacePrefix:   "private:",
		UnknownActorPolicy:   config.ActorPolicyDegrade,
		ValidateEvidenceRefs: true,
	}
}

func testLoggerQuiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newTestHandlers(t *testing.T, lb *fakeLogbook, mem *openmemorytest.Fake, mutate func(*config.Config)) *Handlers {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHandlers(Container{
		Config:  cfg,
		Logbook: lb,
		Memory:  mem,
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}
