package storage

import "errors"

// Storage error constants. Domain-level conditions (not found, stale version,
// ownership) use the sentinels in package core.
var (
	// ErrIncidentExists is returned when creating an incident whose ID is taken
	ErrIncidentExists = errors.New("incident already exists")

	// ErrHistoryRewrite is returned when an update would drop stored history entries
	ErrHistoryRewrite = errors.New("incident history is append-only")

	// ErrInvalidMerge is returned for a merge whose target is also a source or is closed
	ErrInvalidMerge = errors.New("invalid incident merge")

	// ErrStoreClosed is returned after Close
	ErrStoreClosed = errors.New("store is closed")
)
