package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/artifact"
	"github.com/engramhq/engram/internal/openmemory/openmemorytest"
)

func TestEvidenceUpload(t *testing.T) {
	store, err := artifact.NewDirStore(t.TempDir())
	require.NoError(t, err)

	h := NewHandlers(Container{
		Config:    testConfig(),
		Logbook:   newFakeLogbook(),
		Memory:    openmemorytest.New(),
		Artifacts: store,
		Logger:    testLoggerQuiet(),
	})

	resp := h.EvidenceUpload(context.Background(), corrID, UploadRequest{
		Content:     "stack trace goes here",
		ContentType: "text/plain",
		Title:       "crash log",
	})

	assert.True(t, resp.OK)
	assert.Equal(t, corrID, resp.CorrelationID)
	require.NotNil(t, resp.Evidence)

	sum := sha256.Sum256([]byte("stack trace goes here"))
	assert.Equal(t, hex.EncodeToString(sum[:]), resp.Evidence.SHA256)
	assert.Equal(t, int64(len("stack trace goes here")), resp.Evidence.Size)
	assert.Equal(t, "text/plain", resp.Evidence.ContentType)
	assert.NotContains(t, resp.Evidence.URI, "://", "bare artifact key, no scheme")
}

func TestEvidenceUploadMissingFields(t *testing.T) {
	h := newTestHandlers(t, newFakeLogbook(), openmemorytest.New(), nil)

	resp := h.EvidenceUpload(context.Background(), corrID, UploadRequest{Content: "x"})
	assert.False(t, resp.OK)
	assert.Equal(t, corrID, resp.CorrelationID)

	resp = h.EvidenceUpload(context.Background(), corrID, UploadRequest{ContentType: "text/plain"})
	assert.False(t, resp.OK)
}

func TestEvidenceUploadNoStoreConfigured(t *testing.T) {
	h := newTestHandlers(t, newFakeLogbook(), openmemorytest.New(), nil)

	resp := h.EvidenceUpload(context.Background(), corrID, UploadRequest{
		Content:     "x",
		ContentType: "text/plain",
	})

	assert.False(t, resp.OK)
	assert.Contains(t, resp.Message, "not configured")
}
