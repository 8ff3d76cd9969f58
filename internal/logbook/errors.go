package logbook

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("logbook: not found")

	// ErrNoPendingAudit is returned when a finalize matches no pending row.
	// The two-phase protocol requires exactly one; callers treat this as
	// fatal to the request rather than reporting a success they cannot prove.
	ErrNoPendingAudit = errors.New("logbook: finalize audit: no pending row for correlation id")
)
