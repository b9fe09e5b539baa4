package store

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key or a state precondition fails.
	ErrConflict = errors.New("conflict")
)
