// Package redact strips secrets from strings before they reach logs or
// response envelopes.
//
// The rule set is deliberately small and closed: GitLab personal access
// tokens, Authorization header values, bare bearer tokens, and session-id
// header values. Anything matching is replaced with a label; everything else
// passes through untouched.
package redact

import (
	"regexp"
	"strings"
)

const (
	labelRedacted    = "[REDACTED]"
	labelGitLabToken = "[GITLAB_TOKEN]"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules are applied in order. Authorization lines are handled before bare
// bearer tokens so the whole header value collapses to one label.
var rules = []rule{
	{regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(?:[ \t]+\S+)?`), "${1}" + labelRedacted},
	{regexp.MustCompile(`(?i)\b(bearer)[ \t]+[A-Za-z0-9._~+/=-]+`), "${1} " + labelRedacted},
	{regexp.MustCompile(`\bglpat-[0-9A-Za-z_-]{10,}`), labelGitLabToken},
	{regexp.MustCompile(`(?i)((?:mcp-session-id|x-session-id|session-id)\s*[:=]\s*)\S+`), "${1}" + labelRedacted},
}

// Sensitive header names whose values are never logged.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-engram-auth":       true,
	"mcp-session-id":      true,
	"x-session-id":        true,
	"session-id":          true,
	"cookie":              true,
}

// String returns s with every secret pattern replaced by its label.
func String(s string) string {
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Error redacts err's message; nil-safe.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// HeaderValue returns the loggable form of a header: the value itself for
// harmless headers, a label for sensitive ones.
func HeaderValue(name, value string) string {
	if sensitiveHeaders[strings.ToLower(name)] {
		return labelRedacted
	}
	return String(value)
}
