package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		assert.True(t, Valid(id), "generated id %q must be well-formed", id)
		assert.False(t, seen[id], "generated id %q must be unique", id)
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"corr-1111111111111111", true},
		{"corr-deadbeefcafe0123", true},
		{"corr-DEADBEEFCAFE0123", false}, // uppercase hex is not emitted
		{"corr-123", false},
		{"corr-11111111111111111", false}, // 17 hex chars
		{"1111111111111111", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Valid(tc.id), "Valid(%q)", tc.id)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FromContext(ctx))

	id := New()
	ctx = WithID(ctx, id)
	assert.Equal(t, id, FromContext(ctx))
}
