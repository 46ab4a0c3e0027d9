// Package engineerr defines the error kinds of spec.md §7, checked with
// errors.Is/errors.As at call sites the way the teacher's internal/llm
// package wraps provider failures.
package engineerr

import "errors"

var (
	// ErrStoreLocked means a writer could not acquire the store file within
	// the busy-timeout/backoff window; the outer operation fails with no
	// partial state.
	ErrStoreLocked = errors.New("engineerr: store locked")

	// ErrStoreCorrupt means the store file failed an integrity check.
	ErrStoreCorrupt = errors.New("engineerr: store corrupt")

	// ErrProviderUnavailable means the embedding/analysis provider could
	// not be reached at all.
	ErrProviderUnavailable = errors.New("engineerr: provider unavailable")

	// ErrProviderTimeout means a provider call exceeded its deadline.
	ErrProviderTimeout = errors.New("engineerr: provider timeout")

	// ErrProviderSchemaViolation means a provider responded but the
	// payload was missing or malformed required fields.
	ErrProviderSchemaViolation = errors.New("engineerr: provider schema violation")

	// ErrInvariantViolation marks a start-of-batch data inconsistency
	// (e.g. a relation pointing at a missing id) that the integrity pass
	// repairs silently; never fatal.
	ErrInvariantViolation = errors.New("engineerr: invariant violation")

	// ErrBadConfig is fatal at startup.
	ErrBadConfig = errors.New("engineerr: bad config")

	// ErrDuplicateID is fatal for the offending insert only.
	ErrDuplicateID = errors.New("engineerr: duplicate id")
)
