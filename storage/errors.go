package storage

import "errors"

var (
	// ErrConstraintViolation marks an integrity conflict, e.g. a listing
	// referencing a property that belongs to a different site. The offending
	// record is skipped; the run continues.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrStoreUnavailable marks the durable store as unreachable or stuck
	// past the retry budget. Fatal to the current run.
	ErrStoreUnavailable = errors.New("store unavailable")
)
