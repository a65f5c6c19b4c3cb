package coordinator

import (
	"time"
)

// Resolved error codes. Code 0–3 match the controller firmware's error
// characteristic; dry-run and sensor-fault are also raised synthetically
// when the firmware has not reported them itself.
const (
	// ErrorOK means no fault.
	ErrorOK uint8 = 0

	// ErrorDryRun means the pump ran without detectable flow past the
	// grace period.
	ErrorDryRun uint8 = 1

	// ErrorSensorFault means the flow sensor reading is absent or invalid.
	ErrorSensorFault uint8 = 2

	// ErrorDriverFault means the pump driver reported a hardware fault.
	ErrorDriverFault uint8 = 3
)

// Evaluator defaults.
const (
	// DefaultFlowThresholdLPM is the flow level in L/min above which flow
	// counts as detected for dry-run purposes.
	DefaultFlowThresholdLPM = 0.2

	// DefaultDryRunDelay is how long the pump may run without detected
	// flow before the dry-run fault is raised.
	DefaultDryRunDelay = 5 * time.Second
)

// errorMessages maps resolved error codes to display text.
var errorMessages = map[uint8]string{
	ErrorOK:          "OK",
	ErrorDryRun:      "Dry run detected - no flow while pump on",
	ErrorSensorFault: "Flow sensor fault",
	ErrorDriverFault: "Pump driver fault",
}

// ErrorMessage returns the display text for a resolved error code.
// Unknown codes map to a fixed string rather than failing.
func ErrorMessage(code uint8) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Unknown error"
}

// Derived holds the evaluator's output for one snapshot.
type Derived struct {
	// FlowDetected is true when a flow reading is present and at or above
	// the evaluator threshold.
	FlowDetected bool

	// DryRun is true when the pump has run without detected flow for at
	// least the grace period.
	DryRun bool

	// ErrorCode is the single resolved code (device-reported or synthetic).
	ErrorCode uint8

	// ErrorMessage is the display text for ErrorCode.
	ErrorMessage string
}

// Evaluator computes derived state from raw telemetry.
//
// It keeps one piece of state between calls: the timestamp of the start of
// the current no-flow interval while the pump is on. A transient dropout
// shorter than the grace period therefore never raises dry-run, and a
// single detected-flow sample resets the timer.
//
// Not safe for concurrent use; the coordinator calls it only from its run
// loop.
type Evaluator struct {
	threshold float64
	delay     time.Duration
	now       func() time.Time

	// Zero = pump off or flow currently detected.
	noFlowSince time.Time
}

// EvaluatorOptions configures an Evaluator. Zero values take defaults.
type EvaluatorOptions struct {
	// FlowThresholdLPM overrides DefaultFlowThresholdLPM.
	FlowThresholdLPM float64

	// DryRunDelay overrides DefaultDryRunDelay.
	DryRunDelay time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// NewEvaluator creates a derived-state evaluator.
func NewEvaluator(opts EvaluatorOptions) *Evaluator {
	e := &Evaluator{
		threshold: opts.FlowThresholdLPM,
		delay:     opts.DryRunDelay,
		now:       opts.Clock,
	}
	if e.threshold <= 0 {
		e.threshold = DefaultFlowThresholdLPM
	}
	if e.delay <= 0 {
		e.delay = DefaultDryRunDelay
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Evaluate computes derived flags and the resolved error code from raw
// telemetry. deviceCode is the error code as reported by the controller;
// a non-zero device code always wins over synthetic codes.
func (e *Evaluator) Evaluate(pumpOn bool, flowLPM *float64, deviceCode uint8) Derived {
	detected := flowLPM != nil && *flowLPM >= e.threshold

	var dryRun bool
	if pumpOn && !detected {
		now := e.now()
		if e.noFlowSince.IsZero() {
			e.noFlowSince = now
		}
		dryRun = now.Sub(e.noFlowSince) >= e.delay
	} else {
		e.noFlowSince = time.Time{}
	}

	code := resolveErrorCode(deviceCode, dryRun, flowLPM)

	return Derived{
		FlowDetected: detected,
		DryRun:       dryRun,
		ErrorCode:    code,
		ErrorMessage: ErrorMessage(code),
	}
}

// Reset clears the dry-run timer. Called when a device session is
// re-established so a stale no-flow window does not carry across
// connections.
func (e *Evaluator) Reset() {
	e.noFlowSince = time.Time{}
}

// resolveErrorCode picks the single active error code by strict priority:
// device-reported, then dry-run, then sensor fault, then OK.
func resolveErrorCode(deviceCode uint8, dryRun bool, flowLPM *float64) uint8 {
	switch {
	case deviceCode != ErrorOK:
		return deviceCode
	case dryRun:
		return ErrorDryRun
	case flowLPM == nil:
		return ErrorSensorFault
	default:
		return ErrorOK
	}
}
