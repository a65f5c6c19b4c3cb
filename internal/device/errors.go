package device

import "errors"

// Sentinel errors for the device registry, matched with errors.Is.
var (
	// ErrDeviceNotFound is returned when no device matches the given ID.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when a create collides with an existing
	// device ID or address.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidAddress is returned for a malformed BLE address.
	ErrInvalidAddress = errors.New("device: invalid address")

	// ErrInvalidState is returned when state validation fails.
	ErrInvalidState = errors.New("device: invalid state")

	// ErrInvalidName is returned for an empty or over-long device name.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidSlug is returned for a slug that is not URL-safe.
	ErrInvalidSlug = errors.New("device: invalid slug")
)
