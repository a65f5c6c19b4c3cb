package influxdb

import "errors"

// Sentinel errors returned by the telemetry client. Callers distinguish
// them with errors.Is, e.g. to treat ErrDisabled as a soft skip when
// InfluxDB is not configured.
var (
	// ErrNotConnected indicates a write or query was attempted before
	// Connect succeeded or after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial ping or health probe failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled indicates telemetry export is switched off in config.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
