package ble

import "time"

// secondsPerMinute converts L/min flow rates to L/s for integration.
const secondsPerMinute = 60.0

// IntegrateVolume returns the cumulative delivered volume after integrating
// flowLPM over the elapsed interval.
//
// The integration is a rectangle rule over wall time between samples:
// total + elapsed * flow / 60. A negative elapsed duration (clock
// irregularity) is clamped to zero so the accumulator never decreases.
//
// Callers holding an absent flow reading integrate zero flow.
func IntegrateVolume(totalL float64, flowLPM float64, elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	return totalL + flowLPM/secondsPerMinute*elapsed.Seconds()
}
