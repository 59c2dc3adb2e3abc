package ingest

import "errors"

// Domain errors for the ingest package.
var (
	// ErrAlreadyStarted is returned by Start on a running pipeline.
	ErrAlreadyStarted = errors.New("ingest: pipeline already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("ingest: pipeline stopped")

	// ErrMalformedTopic is returned when a topic does not match any
	// telemetry grammar.
	ErrMalformedTopic = errors.New("ingest: malformed topic")

	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("ingest: malformed payload")

	// ErrRoomNotFound is returned when no room matches a floor and number.
	ErrRoomNotFound = errors.New("ingest: room not found")

	// ErrActorNotFound is returned when no actor carries an RFID tag.
	ErrActorNotFound = errors.New("ingest: actor not found")

	// ErrBottleNotFound is returned when no bottle carries an RFID tag.
	ErrBottleNotFound = errors.New("ingest: bottle not found")

	// ErrRoomOccupied is returned when a room still holds bottles or devices.
	ErrRoomOccupied = errors.New("ingest: room still holds bottles or devices")

	// ErrPatientNotFound is returned when no patient carries an external id.
	ErrPatientNotFound = errors.New("ingest: patient not found")
)
