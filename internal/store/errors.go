package store

import "errors"

// Domain errors shared by every record store backend.
var (
	// ErrNotFound is returned when no document has the requested id.
	ErrNotFound = errors.New("store: document not found")

	// ErrDuplicate is returned when saving a document whose id is taken.
	ErrDuplicate = errors.New("store: document already exists")

	// ErrInvalidDocument is returned when a document cannot be encoded or
	// is rejected by the type's validation ruleset.
	ErrInvalidDocument = errors.New("store: invalid document")

	// ErrInvalidPath is returned for malformed update or filter paths.
	ErrInvalidPath = errors.New("store: invalid field path")

	// ErrStore wraps backend driver failures.
	ErrStore = errors.New("store: backend failure")
)
