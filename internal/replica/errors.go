package replica

import (
	"errors"
	"strings"
)

// Domain errors for the replica package.
var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("replica: validation failed")

	// ErrMalformedDocument is returned when a stored document cannot be
	// converted back into a replica.
	ErrMalformedDocument = errors.New("replica: malformed document")
)

// ValidationError reports rejected factory input. Fields names every
// offending field, so callers can fix all problems in one round trip.
//
//	var verr *replica.ValidationError
//	if errors.As(err, &verr) {
//	    log.Printf("bad fields: %v", verr.Fields)
//	}
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "replica: " + e.Reason
	}
	return "replica: " + e.Reason + ": " + strings.Join(e.Fields, ", ")
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
