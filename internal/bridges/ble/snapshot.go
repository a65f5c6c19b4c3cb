package ble

import "math"

// volumeDecimals is the publish-time rounding precision for the accumulator.
const volumeDecimals = 1000.0

// Snapshot is the raw telemetry record published by the device state machine.
//
// It is replaced wholesale on every update; consumers never see partial
// mutations. FlowLPM is nil until the flow characteristic has been read or
// notified at least once in the current connection.
type Snapshot struct {
	DeviceID     string   `json:"device_id"`
	Connected    bool     `json:"connected"`
	PumpOn       bool     `json:"pump_on"`
	FlowLPM      *float64 `json:"flow_lpm"`
	ErrorCode    uint8    `json:"error_code"`
	FlowDetected bool     `json:"flow_detected"`
	TotalVolumeL float64  `json:"total_volume_l"`
}

// Publisher receives telemetry snapshots from the device state machine.
//
// Publish must be safe to call from any goroutine and must not block: it
// hands the snapshot off to the observer's own execution context rather
// than invoking the observer inline.
type Publisher interface {
	Publish(snapshot Snapshot)
}

// roundVolume rounds the accumulator to 3 decimal places for publication.
func roundVolume(v float64) float64 {
	return math.Round(v*volumeDecimals) / volumeDecimals
}
