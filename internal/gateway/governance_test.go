package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/logbook"
	"github.com/engramhq/engram/internal/openmemory/openmemorytest"
)

func boolPtr(b bool) *bool { return &b }

func TestGovernanceUpdateAdminKeyMismatch(t *testing.T) {
	lb := newFakeLogbook()
	h := newTestHandlers(t, lb, openmemorytest.New(), func(c *config.Config) {
		c.GovernanceAdminKey = "s3cret"
	})

	resp := h.GovernanceUpdate(context.Background(), corrID, GovernanceRequest{
		TeamWriteEnabled: boolPtr(false),
		AdminKey:         "wrong",
	})

	assert.False(t, resp.OK)
	assert.Equal(t, ActionReject, resp.Action)
	assert.Equal(t, "admin_key_mismatch", resp.Message)
	assert.True(t, lb.settings.TeamWriteEnabled, "settings untouched on reject")
	assert.Nil(t, lb.audit(corrID), "no audit row for a key mismatch")
}

func TestGovernanceUpdatePartial(t *testing.T) {
	lb := newFakeLogbook()
	h := newTestHandlers(t, lb, openmemorytest.New(), nil)

	resp := h.GovernanceUpdate(context.Background(), corrID, GovernanceRequest{
		TeamWriteEnabled: boolPtr(false),
		ActorUserID:      "admin",
	})

	assert.True(t, resp.OK)
	assert.Equal(t, ActionAllow, resp.Action)
	assert.False(t, resp.TeamWriteEnabled)
	assert.Equal(t, corrID, resp.CorrelationID)

	rec := lb.audit(corrID)
	require.NotNil(t, rec)
	assert.Equal(t, "governance_update", rec.Entry.Reason)
	assert.Equal(t, logbook.AuditStatusSuccess, rec.Status)
	require.NotNil(t, rec.Entry.ActorUserID)
	assert.Equal(t, "admin", *rec.Entry.ActorUserID)
}

func TestGovernanceUpdatePolicyOnly(t *testing.T) {
	lb := newFakeLogbook()
	h := newTestHandlers(t, lb, openmemorytest.New(), func(c *config.Config) {
		c.GovernanceAdminKey = "s3cret"
	})

	resp := h.GovernanceUpdate(context.Background(), corrID, GovernanceRequest{
		PolicyJSON: map[string]any{"evidence_mode": "strict"},
		AdminKey:   "s3cret",
	})

	assert.True(t, resp.OK)
	assert.True(t, resp.TeamWriteEnabled, "untouched field keeps its value")
	assert.Equal(t, "strict", resp.PolicyJSON["evidence_mode"])
}

func TestGovernanceUpdateUpsertFailure(t *testing.T) {
	lb := newFakeLogbook()
	lb.settingsErr = assert.AnError
	h := newTestHandlers(t, lb, openmemorytest.New(), nil)

	resp := h.GovernanceUpdate(context.Background(), corrID, GovernanceRequest{
		TeamWriteEnabled: boolPtr(true),
	})

	assert.False(t, resp.OK)
	assert.Equal(t, ActionError, resp.Action)
	assert.Equal(t, corrID, resp.CorrelationID)
}
