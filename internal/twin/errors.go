package twin

import "errors"

// Domain errors for the twin package.
var (
	// ErrTwinNotFound is returned when a twin id is unknown.
	ErrTwinNotFound = errors.New("twin: digital twin not found")

	// ErrServiceNotFound is returned when a service is not registered on
	// the twin, or has no implementation.
	ErrServiceNotFound = errors.New("twin: service not found")

	// ErrServiceExists is returned when registering a duplicate service
	// implementation.
	ErrServiceExists = errors.New("twin: service already registered")

	// ErrInvalidTwin is returned for rejected twin input.
	ErrInvalidTwin = errors.New("twin: invalid digital twin")

	// ErrMalformedTwin is returned when a stored twin cannot be decoded.
	ErrMalformedTwin = errors.New("twin: malformed digital twin document")

	// ErrInvalidParams is returned by services for missing or bad
	// invocation parameters.
	ErrInvalidParams = errors.New("twin: invalid service parameters")

	// ErrBottleNotFound is returned when the requested bottle is not a
	// member of the twin.
	ErrBottleNotFound = errors.New("twin: bottle not found")

	// ErrNoOptimalTemperature is returned when the bottle has no numeric
	// optimal temperature.
	ErrNoOptimalTemperature = errors.New("twin: bottle has no optimal temperature")
)
