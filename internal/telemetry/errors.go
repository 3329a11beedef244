package telemetry

import "errors"

var (
	// ErrNotConnected is returned when the connection's transport is gone
	// and cannot carry the request.
	ErrNotConnected = errors.New("telemetry connection is not connected")
	// ErrStopped is returned for requests issued to a stopped connection.
	ErrStopped = errors.New("telemetry connection stopped")
)
