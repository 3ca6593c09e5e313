package repository

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("conflict")
	// ErrConcurrentModification indicates a compare-and-set lost its race.
	ErrConcurrentModification = errors.New("concurrent modification")
)
