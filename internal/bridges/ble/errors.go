package ble

import "errors"

// Domain errors for the BLE bridge package.
var (
	// ErrMalformedPayload is returned when a characteristic payload cannot
	// be interpreted (wrong length for its declared encoding).
	ErrMalformedPayload = errors.New("ble: malformed payload")

	// ErrNotConnected is returned when a command requires an active device
	// session and a reconnect attempt did not produce one.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrTransportFailure is returned when an underlying gattd I/O
	// operation fails.
	ErrTransportFailure = errors.New("ble: transport failure")

	// ErrConnectionFailed is returned when the connection to the gattd
	// daemon cannot be established.
	ErrConnectionFailed = errors.New("ble: connection to gattd failed")

	// ErrInvalidFrame is returned when a received gattd frame is malformed.
	ErrInvalidFrame = errors.New("ble: invalid frame")

	// ErrRequestTimeout is returned when gattd does not answer a request
	// before the context deadline.
	ErrRequestTimeout = errors.New("ble: request timed out")
)
