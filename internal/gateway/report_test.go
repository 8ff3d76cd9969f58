package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory/openmemorytest"
)

func TestReliabilityReport(t *testing.T) {
	lb := newFakeLogbook()
	lb.report = logbook.ReliabilityReport{
		Outbox: logbook.OutboxStats{
			Total:                   12,
			ByStatus:                map[string]int64{"pending": 3, "sent": 8, "dead": 1},
			AvgRetryCount:           1.5,
			OldestPendingAgeSeconds: 42,
		},
		Audit: logbook.AuditStats{
			Total:     30,
			ByAction:  map[string]int64{"allow": 25, "redirect": 3, "reject": 2},
			Recent24h: 10,
			ByReason:  map[string]int64{"policy": 2, "dedup_hit": 5, "other": 23},
		},
	}
	h := newTestHandlers(t, lb, openmemorytest.New(), nil)

	resp := h.ReliabilityReport(context.Background(), corrID)

	assert.True(t, resp.OK)
	assert.Equal(t, corrID, resp.CorrelationID)
	require.NotNil(t, resp.OutboxStats)
	assert.Equal(t, int64(3), resp.OutboxStats.ByStatus["pending"])
	require.NotNil(t, resp.AuditStats)
	assert.Equal(t, int64(25), resp.AuditStats.ByAction["allow"])

	generated, err := time.Parse(time.RFC3339, resp.GeneratedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), generated, 5*time.Second)
}

func TestReliabilityReportFailure(t *testing.T) {
	lb := newFakeLogbook()
	lb.reportErr = assert.AnError
	h := newTestHandlers(t, lb, openmemorytest.New(), nil)

	resp := h.ReliabilityReport(context.Background(), corrID)

	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Message)
	assert.Equal(t, corrID, resp.CorrelationID)
}
