package ble

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// defaultDetectThreshold is the device-level flow detection threshold in
// L/min, below which a reading is treated as no flow.
const defaultDetectThreshold = 0.05

// ConnState is the device connection state.
type ConnState int

// Connection states cycle Disconnected → Connecting → Connected →
// Disconnected. A failed connect attempt returns to Disconnected; retrying
// is the caller's policy.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DeviceConfig holds per-device settings.
type DeviceConfig struct {
	// ID is the registry identifier for this device.
	ID string

	// Name is the human-readable device name.
	Name string

	// Address is the BLE MAC address.
	Address string

	// DetectThreshold is the flow level in L/min at which the device
	// considers flow present. Default: 0.05.
	DetectThreshold float64
}

// DeviceOptions holds collaborators for creating a Device.
type DeviceOptions struct {
	// Config is the device configuration.
	Config DeviceConfig

	// Transport is the BLE transport.
	Transport Connector

	// Publisher receives a snapshot after every accepted event.
	Publisher Publisher

	// Logger is optional structured logging.
	Logger Logger

	// Clock is optional and overrides time.Now in tests.
	Clock func() time.Time
}

// Device is the state machine for one BLE irrigation controller.
//
// It owns the connection lifecycle, caches the latest value of every
// telemetry channel, integrates flow into cumulative volume, and publishes
// a full snapshot to the attached Publisher exactly once per event.
//
// Thread Safety: all methods and notification handlers are safe for
// concurrent use. Field updates preceding a publish happen under one lock,
// so observers never see a partial snapshot (e.g. a new flow rate with a
// stale accumulator).
type Device struct {
	cfg       DeviceConfig
	transport Connector
	sink      Publisher
	logger    Logger
	now       func() time.Time

	// Telemetry cache. Owned exclusively by this device; external access
	// is read-only via published snapshot copies. The same mutex makes
	// command write + cache update a single critical section so a
	// concurrent notification cannot interleave.
	mu           sync.Mutex
	state        ConnState
	pumpOn       bool
	flowLPM      *float64
	errorCode    uint8
	flowDetected bool
	lastFlowTS   time.Time // Zero = no flow sample yet this connection
	totalVolumeL float64
}

// NewDevice creates a device state machine. Call Connect to establish the
// BLE session.
func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.Config.ID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if opts.Config.Address == "" {
		return nil, fmt.Errorf("device address is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	cfg := opts.Config
	if cfg.DetectThreshold <= 0 {
		cfg.DetectThreshold = defaultDetectThreshold
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Device{
		cfg:       cfg,
		transport: opts.Transport,
		sink:      opts.Publisher,
		logger:    opts.Logger,
		now:       clock,
	}, nil
}

// Connect establishes the BLE session and subscribes to notifications.
//
// Idempotent: a no-op when already connected. On success the telemetry
// cache is reset to a fresh snapshot (zeroed accumulator, derived flags
// cleared) and seeded by best-effort initial reads of all three
// characteristics — a failed read on one channel never blocks the others
// and never aborts the connect. A transport failure leaves the device
// Disconnected and is returned to the caller; retry policy is external.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateConnected && d.transport.IsConnected() {
		d.mu.Unlock()
		return nil
	}
	d.state = StateConnecting
	d.mu.Unlock()

	d.logDebug("connecting", "address", d.cfg.Address)

	if err := d.transport.Connect(ctx, d.cfg.Address, d.handleTransportDisconnect); err != nil {
		d.mu.Lock()
		d.state = StateDisconnected
		d.mu.Unlock()
		d.logError("connect failed", err)
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	// Notification subscriptions are best-effort, like the initial reads:
	// a device that refuses a subscribe still serves reads and commands.
	d.safeStartNotify(ctx, FlowRateUUID, d.handleFlowNotify)
	d.safeStartNotify(ctx, ErrorCodeUUID, d.handleErrorNotify)

	// Fresh snapshot per connection: accumulator zeroed, derived flags
	// cleared, channels re-seeded below.
	d.mu.Lock()
	d.state = StateConnected
	d.pumpOn = false
	d.flowLPM = nil
	d.errorCode = 0
	d.flowDetected = false
	d.lastFlowTS = time.Time{}
	d.totalVolumeL = 0
	d.mu.Unlock()

	d.logInfo("connected", "address", d.cfg.Address)

	d.readInitial(ctx)
	return nil
}

// safeStartNotify subscribes to a notify characteristic; failures are
// logged but do not fail the connect.
func (d *Device) safeStartNotify(ctx context.Context, characteristic string, cb func([]byte)) {
	if err := d.transport.StartNotify(ctx, characteristic, cb); err != nil {
		d.logWarn("notify subscription failed", "characteristic", characteristic, "error", err)
	}
}

// readInitial seeds the telemetry cache with best-effort reads of all
// three characteristics, then publishes once.
func (d *Device) readInitial(ctx context.Context) {
	var (
		pumpOn    bool
		pumpOK    bool
		flow      float64
		flowOK    bool
		errCode   uint8
		errCodeOK bool
	)

	if data, err := d.transport.Read(ctx, PumpStateUUID); err != nil {
		d.logDebug("initial pump read failed", "error", err)
	} else if v, decErr := DecodeBool(data); decErr != nil {
		d.logDebug("initial pump read rejected", "error", decErr)
	} else {
		pumpOn, pumpOK = v, true
	}

	if data, err := d.transport.Read(ctx, FlowRateUUID); err != nil {
		d.logDebug("initial flow read failed", "error", err)
	} else if v, decErr := DecodeFlow(data); decErr != nil {
		d.logDebug("initial flow read rejected", "len", len(data), "error", decErr)
	} else {
		flow, flowOK = v, true
	}

	if data, err := d.transport.Read(ctx, ErrorCodeUUID); err != nil {
		d.logDebug("initial error read failed", "error", err)
	} else if v, decErr := DecodeU8(data); decErr != nil {
		d.logDebug("initial error read rejected", "error", decErr)
	} else {
		errCode, errCodeOK = v, true
	}

	d.mu.Lock()
	if pumpOK {
		d.pumpOn = pumpOn
	}
	if flowOK {
		d.flowLPM = &flow
		d.flowDetected = flow >= d.cfg.DetectThreshold
		d.lastFlowTS = d.now()
	}
	if errCodeOK {
		d.errorCode = errCode
	}
	d.publishLocked()
	d.mu.Unlock()
}

// Disconnect tears down the BLE session (best-effort).
//
// The device always transitions to Disconnected, even when the transport
// call fails. Cached telemetry is retained for observers until reconnect.
func (d *Device) Disconnect(ctx context.Context) {
	if err := d.transport.Disconnect(ctx); err != nil {
		d.logWarn("disconnect error", "error", err)
	}

	d.mu.Lock()
	d.state = StateDisconnected
	d.mu.Unlock()
	d.logInfo("disconnected", "address", d.cfg.Address)
}

// TurnOn commands the pump on.
//
// If not connected, one connect attempt is made first; if the device is
// still not connected the command fails with ErrNotConnected.
func (d *Device) TurnOn(ctx context.Context) error {
	return d.writePump(ctx, true)
}

// TurnOff commands the pump off.
//
// Before the cached pump state changes, residual flow since the last flow
// sample is integrated into the accumulator; then the cached flow is
// forced to zero and flow detection cleared — the pump is assumed to stop
// flow instantly even though the sensor has not confirmed it yet.
func (d *Device) TurnOff(ctx context.Context) error {
	return d.writePump(ctx, false)
}

// writePump writes the pump-state characteristic and updates the cache as
// one critical section.
func (d *Device) writePump(ctx context.Context, on bool) error {
	if !d.Connected() {
		if err := d.Connect(ctx); err != nil || !d.Connected() {
			return fmt.Errorf("%w: pump command refused", ErrNotConnected)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.transport.Write(ctx, PumpStateUUID, EncodeBool(on)); err != nil {
		d.logError("pump write failed", err)
		return fmt.Errorf("%w: pump write: %w", ErrTransportFailure, err)
	}

	d.pumpOn = on

	if !on {
		now := d.now()
		if !d.lastFlowTS.IsZero() {
			d.totalVolumeL = IntegrateVolume(d.totalVolumeL, d.flowValue(), now.Sub(d.lastFlowTS))
		}
		zero := 0.0
		d.flowLPM = &zero
		d.flowDetected = false
		d.lastFlowTS = now
	}

	d.publishLocked()
	return nil
}

// ReadAll refreshes all three characteristics with best-effort reads,
// publishes, and returns the current snapshot.
func (d *Device) ReadAll(ctx context.Context) (Snapshot, error) {
	if !d.Connected() {
		if err := d.Connect(ctx); err != nil {
			return d.Snapshot(), fmt.Errorf("%w: read refused", ErrNotConnected)
		}
	}

	if data, err := d.transport.Read(ctx, PumpStateUUID); err == nil {
		if v, decErr := DecodeBool(data); decErr == nil {
			d.mu.Lock()
			d.pumpOn = v
			d.mu.Unlock()
		}
	}
	if data, err := d.transport.Read(ctx, FlowRateUUID); err == nil {
		if v, decErr := DecodeFlow(data); decErr == nil {
			d.mu.Lock()
			d.flowLPM = &v
			d.flowDetected = v >= d.cfg.DetectThreshold
			d.lastFlowTS = d.now()
			d.mu.Unlock()
		}
	}
	if data, err := d.transport.Read(ctx, ErrorCodeUUID); err == nil {
		if v, decErr := DecodeU8(data); decErr == nil {
			d.mu.Lock()
			d.errorCode = v
			d.mu.Unlock()
		}
	}

	d.mu.Lock()
	d.publishLocked()
	snap := d.snapshotLocked()
	d.mu.Unlock()
	return snap, nil
}

// handleFlowNotify processes a flow-rate notification.
//
// On decode failure the prior flow value is retained unmodified; the
// snapshot is still published so observers track connection state. On
// success, elapsed volume is integrated using the just-decoded rate over
// the interval since the previous flow sample.
func (d *Device) handleFlowNotify(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	flow, err := DecodeFlow(data)
	if err != nil {
		d.logDebug("flow notification rejected",
			"len", len(data),
			"hex", hex.EncodeToString(data),
			"error", err)
	} else {
		now := d.now()
		if !d.lastFlowTS.IsZero() {
			d.totalVolumeL = IntegrateVolume(d.totalVolumeL, flow, now.Sub(d.lastFlowTS))
		}
		d.flowLPM = &flow
		d.lastFlowTS = now
		d.flowDetected = flow >= d.cfg.DetectThreshold
	}

	d.publishLocked()
}

// handleErrorNotify processes an error-code notification.
//
// An empty payload is logged and ignored, keeping the prior error code;
// any non-empty payload replaces the code unconditionally. Either way the
// snapshot is published exactly once.
func (d *Device) handleErrorNotify(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if code, err := DecodeU8(data); err != nil {
		d.logDebug("error notification rejected", "error", err)
	} else {
		d.errorCode = code
	}

	d.publishLocked()
}

// handleTransportDisconnect is invoked by the transport when the session
// is lost. Flow detection is cleared; last-known telemetry (flow, error,
// accumulator) stays visible to observers until reconnect.
func (d *Device) handleTransportDisconnect() {
	d.logWarn("transport disconnected", "address", d.cfg.Address)

	d.mu.Lock()
	d.state = StateDisconnected
	d.flowDetected = false
	d.publishLocked()
	d.mu.Unlock()
}

// Connected reports whether the device session is established.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateConnected && d.transport.IsConnected()
}

// State returns the current connection state.
func (d *Device) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns a copy of the current telemetry state.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// flowValue returns the cached flow or zero when absent. Caller holds mu.
func (d *Device) flowValue() float64 {
	if d.flowLPM == nil {
		return 0
	}
	return *d.flowLPM
}

// snapshotLocked builds a snapshot copy. Caller holds mu.
func (d *Device) snapshotLocked() Snapshot {
	var flow *float64
	if d.flowLPM != nil {
		v := *d.flowLPM
		flow = &v
	}
	return Snapshot{
		DeviceID:     d.cfg.ID,
		Connected:    d.state == StateConnected,
		PumpOn:       d.pumpOn,
		FlowLPM:      flow,
		ErrorCode:    d.errorCode,
		FlowDetected: d.flowDetected,
		TotalVolumeL: roundVolume(d.totalVolumeL),
	}
}

// publishLocked hands the current snapshot to the publisher. Caller holds
// mu; Publish is non-blocking by contract, so holding the lock is safe.
func (d *Device) publishLocked() {
	d.sink.Publish(d.snapshotLocked())
}

// logDebug logs a debug message if logger is set.
func (d *Device) logDebug(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (d *Device) logInfo(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (d *Device) logWarn(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (d *Device) logError(msg string, err error) {
	if d.logger != nil {
		d.logger.Error(msg, "error", err)
	}
}
