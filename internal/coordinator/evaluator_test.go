package coordinator

import (
	"sync"
	"testing"
	"time"
)

// testClock is a controllable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func f(v float64) *float64 { return &v }

func TestEvaluateFlowDetected(t *testing.T) {
	tests := []struct {
		name string
		flow *float64
		want bool
	}{
		{"absent reading", nil, false},
		{"zero flow", f(0), false},
		{"below threshold", f(0.19), false},
		{"at threshold", f(0.2), true},
		{"above threshold", f(3.5), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvaluator(EvaluatorOptions{Clock: newTestClock().now})
			got := ev.Evaluate(false, tt.flow, ErrorOK)
			if got.FlowDetected != tt.want {
				t.Errorf("FlowDetected = %v, want %v", got.FlowDetected, tt.want)
			}
		})
	}
}

func TestDryRunHysteresis(t *testing.T) {
	clock := newTestClock()
	ev := NewEvaluator(EvaluatorOptions{Clock: clock.now})

	// Pump on, no flow — below the grace period.
	if d := ev.Evaluate(true, nil, ErrorOK); d.DryRun {
		t.Error("dry run raised immediately")
	}
	clock.advance(4900 * time.Millisecond)
	if d := ev.Evaluate(true, nil, ErrorOK); d.DryRun {
		t.Error("dry run raised before grace period elapsed")
	}

	// At the grace period boundary.
	clock.advance(100 * time.Millisecond)
	if d := ev.Evaluate(true, nil, ErrorOK); !d.DryRun {
		t.Error("dry run not raised at grace period boundary")
	}
}

func TestDryRunResetByFlowSample(t *testing.T) {
	clock := newTestClock()
	ev := NewEvaluator(EvaluatorOptions{Clock: clock.now})

	ev.Evaluate(true, nil, ErrorOK)
	clock.advance(4 * time.Second)

	// A single detected-flow sample resets the timer.
	if d := ev.Evaluate(true, f(1.0), ErrorOK); d.DryRun {
		t.Error("dry run with flow detected")
	}

	// Another 4 seconds of no flow is a fresh window, not a continuation.
	clock.advance(4 * time.Second)
	if d := ev.Evaluate(true, nil, ErrorOK); d.DryRun {
		t.Error("dry run timer not reset by flow sample")
	}
	clock.advance(5 * time.Second)
	if d := ev.Evaluate(true, nil, ErrorOK); !d.DryRun {
		t.Error("dry run not raised after fresh window elapsed")
	}
}

func TestDryRunClearedByPumpOff(t *testing.T) {
	clock := newTestClock()
	ev := NewEvaluator(EvaluatorOptions{Clock: clock.now})

	ev.Evaluate(true, nil, ErrorOK)
	clock.advance(10 * time.Second)
	if d := ev.Evaluate(true, nil, ErrorOK); !d.DryRun {
		t.Fatal("dry run not raised")
	}

	if d := ev.Evaluate(false, nil, ErrorOK); d.DryRun {
		t.Error("dry run survived pump off")
	}
}

func TestDryRunScenario(t *testing.T) {
	// Pump on, 6 seconds with no flow reading, 5-second grace period.
	clock := newTestClock()
	ev := NewEvaluator(EvaluatorOptions{
		DryRunDelay: 5 * time.Second,
		Clock:       clock.now,
	})

	ev.Evaluate(true, nil, ErrorOK)
	clock.advance(6 * time.Second)

	d := ev.Evaluate(true, nil, ErrorOK)
	if !d.DryRun {
		t.Error("dry run not raised after 6 s without flow")
	}
	if d.ErrorCode != ErrorDryRun {
		t.Errorf("error code = %d, want %d (dry run)", d.ErrorCode, ErrorDryRun)
	}
}

func TestErrorPriority(t *testing.T) {
	// Device-reported code wins regardless of dry-run and absent flow.
	clock := newTestClock()
	ev := NewEvaluator(EvaluatorOptions{Clock: clock.now})

	ev.Evaluate(true, nil, ErrorDriverFault)
	clock.advance(10 * time.Second)

	d := ev.Evaluate(true, nil, ErrorDriverFault)
	if !d.DryRun {
		t.Fatal("dry run precondition not met")
	}
	if d.ErrorCode != ErrorDriverFault {
		t.Errorf("error code = %d, want device-reported %d", d.ErrorCode, ErrorDriverFault)
	}
}

func TestErrorResolutionOrder(t *testing.T) {
	tests := []struct {
		name       string
		deviceCode uint8
		dryRun     bool
		flow       *float64
		want       uint8
	}{
		{"device code wins", ErrorDriverFault, true, nil, ErrorDriverFault},
		{"dry run beats sensor fault", ErrorOK, true, nil, ErrorDryRun},
		{"absent flow is sensor fault", ErrorOK, false, nil, ErrorSensorFault},
		{"no error", ErrorOK, false, f(1.0), ErrorOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveErrorCode(tt.deviceCode, tt.dryRun, tt.flow)
			if got != tt.want {
				t.Errorf("resolveErrorCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		code uint8
		want string
	}{
		{ErrorOK, "OK"},
		{ErrorDryRun, "Dry run detected - no flow while pump on"},
		{ErrorSensorFault, "Flow sensor fault"},
		{ErrorDriverFault, "Pump driver fault"},
		{99, "Unknown error"},
	}

	for _, tt := range tests {
		if got := ErrorMessage(tt.code); got != tt.want {
			t.Errorf("ErrorMessage(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestEvaluatorReset(t *testing.T) {
	clock := newTestClock()
	ev := NewEvaluator(EvaluatorOptions{Clock: clock.now})

	ev.Evaluate(true, nil, ErrorOK)
	clock.advance(10 * time.Second)
	ev.Reset()

	// The old no-flow window must not carry over.
	if d := ev.Evaluate(true, nil, ErrorOK); d.DryRun {
		t.Error("dry run raised from stale window after reset")
	}
}
