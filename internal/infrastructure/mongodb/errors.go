package mongodb

import "errors"

// Sentinel errors for MongoDB connections.
var (
	// ErrNotConnected indicates the client has been closed.
	ErrNotConnected = errors.New("mongodb: not connected")

	// ErrConnectionFailed indicates the initial connection or ping failed.
	ErrConnectionFailed = errors.New("mongodb: connection failed")
)
