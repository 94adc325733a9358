package repository

import "errors"

// Common repository errors
var (
	// ErrNotFound indicates the requested entity was not found
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateKey indicates a unique constraint violation
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrStateConflict indicates a conditional update matched the id but
	// not the expected state, i.e. a concurrent transition won the race
	ErrStateConflict = errors.New("state conflict")
)
