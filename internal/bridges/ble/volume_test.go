package ble

import (
	"math"
	"testing"
	"time"
)

func TestIntegrateVolume(t *testing.T) {
	tests := []struct {
		name    string
		totalL  float64
		flowLPM float64
		elapsed time.Duration
		want    float64
	}{
		{"one minute at 1 lpm", 0, 1.0, time.Minute, 1.0},
		{"three seconds at 2 lpm", 0, 2.0, 3 * time.Second, 0.1},
		{"accumulates onto prior total", 5.0, 2.0, 3 * time.Second, 5.1},
		{"zero flow adds nothing", 5.0, 0, time.Hour, 5.0},
		{"zero elapsed adds nothing", 5.0, 3.0, 0, 5.0},
		{"negative elapsed clamped", 5.0, 3.0, -10 * time.Second, 5.0},
		{"sub-second interval", 0, 6.0, 500 * time.Millisecond, 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IntegrateVolume(tt.totalL, tt.flowLPM, tt.elapsed)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IntegrateVolume(%v, %v, %v) = %v, want %v",
					tt.totalL, tt.flowLPM, tt.elapsed, got, tt.want)
			}
		})
	}
}

// TestIntegrateVolumeMonotonic verifies the accumulator never decreases
// for non-negative flow, whatever the elapsed duration.
func TestIntegrateVolumeMonotonic(t *testing.T) {
	durations := []time.Duration{
		-time.Hour, -time.Second, 0, time.Millisecond, time.Second, time.Minute, time.Hour,
	}

	prev := -1.0
	for _, d := range durations {
		got := IntegrateVolume(10.0, 1.5, d)
		if got < 10.0 {
			t.Errorf("IntegrateVolume(10, 1.5, %v) = %v, decreased below total", d, got)
		}
		if got < prev {
			t.Errorf("IntegrateVolume not monotonic in elapsed: %v after %v", got, prev)
		}
		prev = got
	}
}
