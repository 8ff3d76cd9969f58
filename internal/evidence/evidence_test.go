package evidence

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestValidate_CompatAcceptsAnything(t *testing.T) {
	items := []map[string]any{
		{"uri": "commit:abc"},
		{"whatever": 42},
		{},
	}
	assert.Nil(t, Validate(items, ModeCompat))
}

func TestValidate_StrictAcceptsWellFormed(t *testing.T) {
	items := []map[string]any{
		{"sha256": goodSHA, "uri": "memory://attachments/7/" + goodSHA},
		{"sha256": strings.ToUpper(goodSHA)}, // case-insensitive
		{"sha256": goodSHA, "artifact_uri": "ev/2026/report.md"},
		{"sha256": goodSHA, "artifact": "ev/2026/report.md"},
	}
	assert.Nil(t, Validate(items, ModeStrict))
}

func TestValidate_StrictRejections(t *testing.T) {
	cases := []struct {
		name   string
		item   map[string]any
		reason string
	}{
		{"missing sha256", map[string]any{"uri": "commit:abc"}, "missing_sha256"},
		{"short sha256", map[string]any{"sha256": "deadbeef"}, "invalid_sha256"},
		{"non-string sha256", map[string]any{"sha256": 12}, "invalid_sha256"},
		{"short attachment digest", map[string]any{"uri": "memory://attachments/1/deadbeef"}, "invalid_attachment_uri"},
		{"non-numeric attachment id", map[string]any{"uri": "memory://attachments/x/" + goodSHA}, "invalid_attachment_uri"},
		{"foreign scheme", map[string]any{"sha256": goodSHA, "uri": "s3://bucket/key"}, "unsupported_uri_scheme"},
		{"empty uri", map[string]any{"sha256": goodSHA, "uri": ""}, "empty_uri"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate([]map[string]any{tc.item}, ModeStrict)
			require.NotNil(t, err)
			assert.Equal(t, 0, err.Index)
			assert.Equal(t, tc.reason, err.Reason)
			assert.True(t, strings.HasPrefix(err.Code(), FailureCode+":"))
		})
	}
}

func TestValidate_ReportsFirstOffendingIndex(t *testing.T) {
	items := []map[string]any{
		{"sha256": goodSHA},
		{"sha256": "nope"},
	}
	err := Validate(items, ModeStrict)
	require.NotNil(t, err)
	assert.Equal(t, 1, err.Index)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeStrict, ParseMode("strict"))
	assert.Equal(t, ModeStrict, ParseMode("STRICT"))
	assert.Equal(t, ModeCompat, ParseMode("compat"))
	assert.Equal(t, ModeCompat, ParseMode(""))
	assert.Equal(t, ModeCompat, ParseMode("paranoid"))
}

func TestEnvelopeJSONShape(t *testing.T) {
	outboxID := int64(7)
	env := Envelope{
		Source:        SourceGateway,
		CorrelationID: "corr-1111111111111111",
		PayloadSHA:    goodSHA,
		GatewayEvent: &GatewayEvent{
			SchemaVersion: EnvelopeSchemaVersion,
			Operation:     "memory_store",
			Decision:      "allow",
			Source:        SourceGateway,
			CorrelationID: "corr-1111111111111111",
			PayloadSHA:    goodSHA,
		},
	}
	env = env.WithOutbox(outboxID, "allow")

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var top map[string]any
	require.NoError(t, json.Unmarshal(raw, &top))

	// The fields SQL reaches for must sit at the top level.
	assert.Equal(t, "gateway", top["source"])
	assert.Equal(t, "corr-1111111111111111", top["correlation_id"])
	assert.Equal(t, float64(7), top["outbox_id"])
	assert.Equal(t, "allow", top["intended_action"])

	ev, ok := top["gateway_event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(EnvelopeSchemaVersion), ev["schema_version"])
	assert.Equal(t, float64(7), ev["outbox_id"])
}

func TestEnvelopeWithMemoryID(t *testing.T) {
	env := Envelope{Source: SourceGateway, GatewayEvent: &GatewayEvent{Operation: "memory_store"}}
	got := env.WithMemoryID("mem_001")
	assert.Equal(t, "mem_001", got.MemoryID)
	assert.Equal(t, "mem_001", got.GatewayEvent.MemoryID)
	// The original is untouched.
	assert.Empty(t, env.MemoryID)
	assert.Empty(t, env.GatewayEvent.MemoryID)
}

func TestParseMemoryID(t *testing.T) {
	assert.Equal(t, "mem_002", ParseMemoryID("memory_id=mem_002"))
	assert.Equal(t, "mem_002", ParseMemoryID("  memory_id=mem_002 "))
	assert.Equal(t, "mem_legacy", ParseMemoryID("mem_legacy"))
	assert.Equal(t, "", ParseMemoryID(""))
}
