package redact

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "gitlab token",
			in:   "push failed: token glpat-AbCd1234567890xyz rejected",
			want: "push failed: token [GITLAB_TOKEN] rejected",
		},
		{
			name: "authorization header line",
			in:   "Authorization: Bearer sk-live-abc123",
			want: "Authorization: [REDACTED]",
		},
		{
			name: "bare bearer token",
			in:   "retrying with bearer eyJhbGciOiJIUzI1NiJ9.payload.sig",
			want: "retrying with bearer [REDACTED]",
		},
		{
			name: "session id header",
			in:   "Mcp-Session-Id: 0f3a-99",
			want: "Mcp-Session-Id: [REDACTED]",
		},
		{
			name: "clean text untouched",
			in:   "store failed: connection refused",
			want: "store failed: connection refused",
		},
		{
			name: "multiple secrets in one string",
			in:   "glpat-0123456789abc then Authorization: Basic dXNlcg==",
			want: "[GITLAB_TOKEN] then Authorization: [REDACTED]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, String(tc.in))
		})
	}
}

func TestError(t *testing.T) {
	assert.Equal(t, "", Error(nil))
	err := errors.New("call failed: Authorization: Bearer topsecret")
	assert.Equal(t, "call failed: Authorization: [REDACTED]", Error(err))
}

func TestHeaderValue(t *testing.T) {
	assert.Equal(t, "[REDACTED]", HeaderValue("Authorization", "Bearer tok"))
	assert.Equal(t, "[REDACTED]", HeaderValue("X-Engram-Auth", "tok"))
	assert.Equal(t, "[REDACTED]", HeaderValue("mcp-session-id", "abc"))
	assert.Equal(t, "application/json", HeaderValue("Content-Type", "application/json"))
}
