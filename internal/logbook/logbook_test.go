package logbook_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/evidence"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/testutil"
)

// testDB is shared by every test in this package; rows are isolated through
// per-test spaces, correlation ids, and project keys.
var testDB *logbook.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func uniq(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func corrID() string {
	return "corr-" + uuid.NewString()[:8] + uuid.NewString()[:8]
}

func pendingEntry(projectKey, corr, space string) logbook.AuditEntry {
	return logbook.AuditEntry{
		ProjectKey:    projectKey,
		CorrelationID: corr,
		TargetSpace:   space,
		Action:        "allow",
		Reason:        "",
		PayloadSHA:    "sha-" + corr,
		Evidence: evidence.Envelope{
			Source:        evidence.SourceGateway,
			CorrelationID: corr,
			PayloadSHA:    "sha-" + corr,
		},
	}
}

func TestSettingsDefaultsAndPartialUpdate(t *testing.T) {
	ctx := context.Background()
	project := uniq("proj")

	s, err := testDB.GetOrCreateSettings(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, project, s.ProjectKey)
	assert.True(t, s.TeamWriteEnabled)
	assert.Equal(t, evidence.ModeCompat, s.EvidenceMode())

	off := false
	require.NoError(t, testDB.UpsertSettings(ctx, project, &off,
		map[string]any{"evidence_mode": "strict"}, "admin"))

	s, err = testDB.GetOrCreateSettings(ctx, project)
	require.NoError(t, err)
	assert.False(t, s.TeamWriteEnabled)
	assert.Equal(t, evidence.ModeStrict, s.EvidenceMode())
	require.NotNil(t, s.UpdatedBy)
	assert.Equal(t, "admin", *s.UpdatedBy)

	// Nil fields leave stored values untouched.
	require.NoError(t, testDB.UpsertSettings(ctx, project, nil, nil, ""))
	s, err = testDB.GetOrCreateSettings(ctx, project)
	require.NoError(t, err)
	assert.False(t, s.TeamWriteEnabled)
	assert.Equal(t, evidence.ModeStrict, s.EvidenceMode())
}

func TestUsersEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	user := uniq("alice")

	exists, err := testDB.UserExists(ctx, user)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, testDB.EnsureUser(ctx, user, "Alice"))
	require.NoError(t, testDB.EnsureUser(ctx, user, "Someone Else"))

	exists, err = testDB.UserExists(ctx, user)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAuditTwoPhaseFinalize(t *testing.T) {
	ctx := context.Background()
	project := uniq("proj")
	corr := corrID()

	_, err := testDB.WritePendingAudit(ctx, pendingEntry(project, corr, "team:shared"))
	require.NoError(t, err)

	row, err := testDB.GetAuditByCorrelationID(ctx, project, corr)
	require.NoError(t, err)
	assert.Equal(t, logbook.AuditStatusPending, row.Status)

	err = testDB.FinalizeAudit(ctx, project, corr, logbook.AuditStatusSuccess, "",
		map[string]any{"memory_id": "mem-42"})
	require.NoError(t, err)

	row, err = testDB.GetAuditByCorrelationID(ctx, project, corr)
	require.NoError(t, err)
	assert.Equal(t, logbook.AuditStatusSuccess, row.Status)
	assert.Equal(t, "mem-42", row.Evidence.MemoryID)

	// A second finalize finds no pending row.
	err = testDB.FinalizeAudit(ctx, project, corr, logbook.AuditStatusSuccess, "", nil)
	assert.ErrorIs(t, err, logbook.ErrNoPendingAudit)
}

func TestAuditFinalizeAppendsReasonAndOutboxID(t *testing.T) {
	ctx := context.Background()
	project := uniq("proj")
	corr := corrID()

	e := pendingEntry(project, corr, "team:shared")
	e.Reason = "openmemory_unreachable"
	_, err := testDB.WritePendingAudit(ctx, e)
	require.NoError(t, err)

	err = testDB.FinalizeAudit(ctx, project, corr, logbook.AuditStatusRedirected, ":outbox:7",
		map[string]any{"outbox_id": int64(7), "intended_action": "allow"})
	require.NoError(t, err)

	row, err := testDB.GetAuditByCorrelationID(ctx, project, corr)
	require.NoError(t, err)
	assert.Equal(t, logbook.AuditStatusRedirected, row.Status)
	assert.Equal(t, "openmemory_unreachable:outbox:7", row.Reason)
	require.NotNil(t, row.Evidence.OutboxID)
	assert.Equal(t, int64(7), *row.Evidence.OutboxID)
}

func TestAuditUpsertKeepsOneRowPerCorrelationID(t *testing.T) {
	ctx := context.Background()
	project := uniq("proj")
	corr := corrID()

	first, err := testDB.WriteFinalAudit(ctx, pendingEntry(project, corr, "team:shared"), logbook.AuditStatusSuccess)
	require.NoError(t, err)

	e := pendingEntry(project, corr, "private:alice")
	e.Action = "redirect"
	second, err := testDB.WritePendingAudit(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, first, second, "conflict update must reuse the existing row")

	row, err := testDB.GetAuditByCorrelationID(ctx, project, corr)
	require.NoError(t, err)
	assert.Equal(t, "redirect", row.Action)
	assert.Equal(t, "private:alice", row.TargetSpace)
	assert.Equal(t, logbook.AuditStatusPending, row.Status)
}

func TestFinalizeWithoutPendingRow(t *testing.T) {
	err := testDB.FinalizeAudit(context.Background(), uniq("proj"), corrID(),
		logbook.AuditStatusSuccess, "", nil)
	assert.ErrorIs(t, err, logbook.ErrNoPendingAudit)
}

func TestOutboxClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	space := uniq("team:it")

	id1, err := testDB.EnqueueOutbox(ctx, "# one", space, "sha-1", corrID(), nil)
	require.NoError(t, err)
	id2, err := testDB.EnqueueOutbox(ctx, "# two", space, "sha-2", corrID(), nil)
	require.NoError(t, err)

	claimed, err := testDB.ClaimOutbox(ctx, "worker-a", 10, 120)
	require.NoError(t, err)
	ids := claimedIDs(claimed)
	assert.Contains(t, ids, id1)
	assert.Contains(t, ids, id2)

	// A second worker sees nothing while the lease holds.
	stolen, err := testDB.ClaimOutbox(ctx, "worker-b", 10, 120)
	require.NoError(t, err)
	assert.NotContains(t, claimedIDs(stolen), id1)

	ok, err := testDB.AckSent(ctx, id1, "worker-b", "mem-x")
	require.NoError(t, err)
	assert.False(t, ok, "ack must require the lease holder")

	ok, err = testDB.AckSent(ctx, id1, "worker-a", "mem-1")
	require.NoError(t, err)
	assert.True(t, ok)

	sent, found, err := testDB.CheckDedup(ctx, space, "sha-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id1, sent.OutboxID)
	assert.Equal(t, "memory_id=mem-1", sent.LastError)

	// Release the second row for later tests via retry far in the future.
	ok, err = testDB.FailRetry(ctx, id2, "worker-a", "conn refused", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	row, err := testDB.GetOutboxRow(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, "conn refused", row.LastError)
	assert.Nil(t, row.LockedBy)
}

func TestOutboxExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	space := uniq("team:lease")

	id, err := testDB.EnqueueOutbox(ctx, "# slow", space, "sha-slow", corrID(), nil)
	require.NoError(t, err)

	claimed, err := testDB.ClaimOutbox(ctx, "worker-a", 10, 1)
	require.NoError(t, err)
	require.Contains(t, claimedIDs(claimed), id)

	time.Sleep(1500 * time.Millisecond)

	reclaimed, err := testDB.ClaimOutbox(ctx, "worker-b", 10, 120)
	require.NoError(t, err)
	assert.Contains(t, claimedIDs(reclaimed), id, "expired lease must be claimable")

	// The original holder can no longer ack.
	ok, err := testDB.AckSent(ctx, id, "worker-a", "mem-late")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = testDB.AckSent(ctx, id, "worker-b", "mem-won")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutboxRenewLeaseExtendsHold(t *testing.T) {
	ctx := context.Background()
	space := uniq("team:renew")

	id, err := testDB.EnqueueOutbox(ctx, "# renew", space, "sha-renew", corrID(), nil)
	require.NoError(t, err)

	claimed, err := testDB.ClaimOutbox(ctx, "worker-a", 10, 2)
	require.NoError(t, err)
	require.Contains(t, claimedIDs(claimed), id)

	time.Sleep(1200 * time.Millisecond)
	ok, err := testDB.RenewLease(ctx, id, "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the original lease but inside the renewed one.
	time.Sleep(1200 * time.Millisecond)
	others, err := testDB.ClaimOutbox(ctx, "worker-b", 10, 120)
	require.NoError(t, err)
	assert.NotContains(t, claimedIDs(others), id)

	ok, err = testDB.AckSent(ctx, id, "worker-a", "mem-renewed")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutboxDeadLetterAndReset(t *testing.T) {
	ctx := context.Background()
	space := uniq("team:dead")

	id, err := testDB.EnqueueOutbox(ctx, "# doomed", space, "sha-doom", corrID(), nil)
	require.NoError(t, err)

	claimed, err := testDB.ClaimOutbox(ctx, "worker-a", 10, 120)
	require.NoError(t, err)
	require.Contains(t, claimedIDs(claimed), id)

	ok, err := testDB.MarkDead(ctx, id, "worker-a", "400 bad payload")
	require.NoError(t, err)
	assert.True(t, ok)

	row, err := testDB.GetOutboxRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, logbook.OutboxStatusDead, row.Status)
	assert.Equal(t, 1, row.RetryCount)

	n, err := testDB.ResetDeadOutbox(ctx, []int64{id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err = testDB.GetOutboxRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, logbook.OutboxStatusPending, row.Status)
	assert.Zero(t, row.RetryCount)
	assert.Empty(t, row.LastError)

	// Clean up so the report test's pending count stays meaningful.
	claimed, err = testDB.ClaimOutbox(ctx, "worker-a", 10, 120)
	require.NoError(t, err)
	require.Contains(t, claimedIDs(claimed), id)
	_, err = testDB.AckSent(ctx, id, "worker-a", "mem-reset")
	require.NoError(t, err)
}

func TestCheckDedupMiss(t *testing.T) {
	_, found, err := testDB.CheckDedup(context.Background(), uniq("team:none"), "sha-none")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueryKnowledgeCandidates(t *testing.T) {
	ctx := context.Background()
	space := uniq("team:kc")

	insert := func(title, content string, confidence float64, refs string) {
		_, err := testDB.Pool().Exec(ctx,
			`INSERT INTO knowledge_candidates (title, content_md, kind, confidence, space, evidence_refs_json)
			 VALUES ($1, $2, 'note', $3, $4, $5::jsonb)`,
			title, content, confidence, space, refs)
		require.NoError(t, err)
	}
	insert("Deploy runbook", "Restart the scheduler after deploys", 0.9,
		`[{"uri":"artifacts/abc","sha256":"abc"}]`)
	insert("Scheduler notes", "The scheduler drains before restart", 0.5, `[]`)
	insert("Unrelated", "Nothing to see", 0.8, `[]`)

	got, err := testDB.QueryKnowledgeCandidates(ctx, logbook.CandidateQuery{
		Keyword:     "scheduler",
		SpaceFilter: space,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Deploy runbook", got[0].Title, "highest confidence first")
	assert.Len(t, got[0].EvidenceRefs, 1)

	got, err = testDB.QueryKnowledgeCandidates(ctx, logbook.CandidateQuery{
		Keyword:         "scheduler",
		SpaceFilter:     space,
		RequireEvidence: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Deploy runbook", got[0].Title)

	got, err = testDB.QueryKnowledgeCandidates(ctx, logbook.CandidateQuery{
		Keyword:     "scheduler",
		SpaceFilter: space,
		TopK:        1,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReliabilityReportCountsMove(t *testing.T) {
	ctx := context.Background()

	before, err := testDB.GetReliabilityReport(ctx)
	require.NoError(t, err)

	_, err = testDB.EnqueueOutbox(ctx, "# report", uniq("team:report"), "sha-report", corrID(), nil)
	require.NoError(t, err)
	_, err = testDB.WriteFinalAudit(ctx, pendingEntry(uniq("proj"), corrID(), "team:shared"), logbook.AuditStatusSuccess)
	require.NoError(t, err)

	after, err := testDB.GetReliabilityReport(ctx)
	require.NoError(t, err)
	assert.Greater(t, after.Outbox.ByStatus["pending"], before.Outbox.ByStatus["pending"]-1)
	assert.GreaterOrEqual(t, after.Outbox.Total, before.Outbox.Total+1)
	assert.GreaterOrEqual(t, after.Audit.Total, before.Audit.Total+1)
}

func TestGetAuditByOutboxID(t *testing.T) {
	ctx := context.Background()
	project := uniq("proj")
	corr := corrID()
	outboxID := int64(9001)

	e := pendingEntry(project, corr, "team:shared")
	e.Evidence.OutboxID = &outboxID
	e.Evidence.IntendedAction = "allow"
	_, err := testDB.WriteFinalAudit(ctx, e, logbook.AuditStatusRedirected)
	require.NoError(t, err)

	// The deferred write's audit row is reachable from its outbox id.
	row, err := testDB.GetAuditByOutboxID(ctx, project, outboxID)
	require.NoError(t, err)
	assert.Equal(t, corr, row.CorrelationID)
	assert.Equal(t, logbook.AuditStatusRedirected, row.Status)
	require.NotNil(t, row.Evidence.OutboxID)
	assert.Equal(t, outboxID, *row.Evidence.OutboxID)

	_, err = testDB.GetAuditByOutboxID(ctx, project, outboxID+1)
	assert.ErrorIs(t, err, logbook.ErrNotFound)
}

func TestWithRetryRecoversFromSerializationFailure(t *testing.T) {
	calls := 0
	err := logbook.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "serialization failures should be retried until success")
}

func TestWithRetryPassesThroughNonRetriable(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := logbook.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-retriable errors must not be retried")
}

func claimedIDs(rows []logbook.OutboxRow) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.OutboxID)
	}
	return ids
}
