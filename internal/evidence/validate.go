package evidence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Mode selects how strictly evidence references are checked.
type Mode string

const (
	ModeCompat Mode = "compat"
	ModeStrict Mode = "strict"
)

// ParseMode maps a policy_json evidence_mode value to a Mode, defaulting to
// compat for anything unrecognized.
func ParseMode(s string) Mode {
	if strings.EqualFold(s, string(ModeStrict)) {
		return ModeStrict
	}
	return ModeCompat
}

// FailureCode prefixes every validation reject reason.
const FailureCode = "EVIDENCE_VALIDATION_FAILED"

var (
	sha256Pattern        = regexp.MustCompile(`^(?i)[a-f0-9]{64}$`)
	attachmentURIPattern = regexp.MustCompile(`^memory://attachments/\d+/(?i:[a-f0-9]{64})$`)
)

// ValidationError pinpoints the first offending evidence element.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("evidence[%d]: %s", e.Index, e.Reason)
}

// Code renders the error as an audit reason, e.g.
// "EVIDENCE_VALIDATION_FAILED:0:invalid_attachment_uri".
func (e *ValidationError) Code() string {
	return FailureCode + ":" + strconv.Itoa(e.Index) + ":" + e.Reason
}

// Validate checks structured evidence elements against the given mode.
// Compat mode accepts any shape. Strict mode requires a well-formed sha256
// on every element and, when a reference is present, a plain artifact key or
// a memory://attachments/<id>/<sha256> URI. Legacy string refs are not
// validated here; they are carried through unconditionally.
func Validate(items []map[string]any, mode Mode) *ValidationError {
	if mode != ModeStrict {
		return nil
	}
	for i, item := range items {
		if reason := checkURI(item); reason != "" {
			return &ValidationError{Index: i, Reason: reason}
		}
		if reason := checkSHA(item); reason != "" {
			return &ValidationError{Index: i, Reason: reason}
		}
	}
	return nil
}

func checkURI(item map[string]any) string {
	raw, ok := item["artifact_uri"]
	if !ok {
		if raw, ok = item["uri"]; !ok {
			// An "artifact" key alone is a valid reference; nothing to check.
			return ""
		}
	}
	uri, ok := raw.(string)
	if !ok || uri == "" {
		return "empty_uri"
	}
	if strings.HasPrefix(uri, "memory://") {
		if !attachmentURIPattern.MatchString(uri) {
			return "invalid_attachment_uri"
		}
		return ""
	}
	// Any other scheme is not a reference we can resolve.
	if strings.Contains(uri, "://") {
		return "unsupported_uri_scheme"
	}
	// Bare artifact keys pass as-is.
	return ""
}

func checkSHA(item map[string]any) string {
	raw, ok := item["sha256"]
	if !ok {
		return "missing_sha256"
	}
	s, ok := raw.(string)
	if !ok || !sha256Pattern.MatchString(s) {
		return "invalid_sha256"
	}
	return ""
}
