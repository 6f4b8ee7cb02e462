package db

import "errors"

var (
	// ErrNotFound is returned when a repository get misses.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic save loses the
	// race: the row's version no longer matches the loaded aggregate's.
	ErrVersionConflict = errors.New("version conflict")
)
