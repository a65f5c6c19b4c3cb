package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossvale/hydrobridge/internal/bridges/ble"
)

// State is a fully evaluated device state: the raw snapshot plus the
// derived flags and resolved error. This is what every downstream observer
// receives.
type State struct {
	// DeviceID is the bridge device identifier.
	DeviceID string `json:"device_id"`

	// Timestamp is when this state was evaluated (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Connected reports whether the BLE session is established.
	Connected bool `json:"connected"`

	// PumpOn is the cached pump state.
	PumpOn bool `json:"pump_on"`

	// FlowLPM is the instantaneous flow in L/min; nil when no reading is
	// available.
	FlowLPM *float64 `json:"flow_lpm"`

	// FlowDetected is true when flow is at or above the evaluator
	// threshold.
	FlowDetected bool `json:"flow_detected"`

	// DryRun is true when the pump has run without flow past the grace
	// period.
	DryRun bool `json:"dry_run"`

	// TotalVolumeL is the cumulative delivered volume this connection.
	TotalVolumeL float64 `json:"total_volume_l"`

	// ErrorCode is the single resolved error code.
	ErrorCode uint8 `json:"error_code"`

	// ErrorMessage is the display text for ErrorCode.
	ErrorMessage string `json:"error_message"`

	// RawErrorCode is the code as reported by the controller, before
	// synthetic resolution.
	RawErrorCode uint8 `json:"raw_error_code"`
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// StateStore provides device state and health persistence.
// This interface is satisfied by *device.Registry (via adapter in main.go).
// It is optional - if nil, the coordinator operates without persistence.
type StateStore interface {
	// SetDeviceState updates the state of a device.
	SetDeviceState(ctx context.Context, id string, state map[string]any) error

	// SetDeviceHealth updates the health status of a device.
	SetDeviceHealth(ctx context.Context, id string, status string) error
}

// TelemetryWriter records evaluated states to time-series storage.
// Optional - if nil, the coordinator operates without telemetry.
type TelemetryWriter interface {
	// WriteState records one evaluated state. Implementations buffer and
	// must not block.
	WriteState(state State)
}

// Metrics receives operational counters. Optional.
type Metrics interface {
	// StatePublished is called once per distributed state.
	StatePublished(deviceID string)

	// DryRunActive reports the current dry-run flag.
	DryRunActive(deviceID string, active bool)

	// CommandHandled is called once per processed command.
	CommandHandled(deviceID, command string, ok bool)

	// DeviceConnected reports the current BLE connection state.
	DeviceConnected(deviceID string, connected bool)

	// FlowRate reports the last decoded flow rate.
	FlowRate(deviceID string, lpm float64)

	// SessionVolume reports the accumulated session volume.
	SessionVolume(deviceID string, litres float64)
}

// PumpController is the command surface of the device layer.
// Satisfied by *ble.Device.
type PumpController interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	ReadAll(ctx context.Context) (ble.Snapshot, error)
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Listener receives every evaluated state, called on the coordinator's run
// loop. Listeners must return quickly.
type Listener func(State)

// commandTimeout bounds pump command execution.
const commandTimeout = 5 * time.Second

// Coordinator fans evaluated device state out to observers and handles
// inbound MQTT commands for one device.
type Coordinator struct {
	deviceID  string
	evaluator *Evaluator
	mqtt      MQTTClient
	registry  StateStore
	telemetry TelemetryWriter
	metrics   Metrics
	ctrl      PumpController
	logger    Logger
	now       func() time.Time

	// Latest-wins handoff between the transport callback context and the
	// run loop. Capacity 1: a newer snapshot replaces a staged one.
	updates chan ble.Snapshot

	mu        sync.RWMutex
	latest    *State
	listeners []Listener

	// Tracks connection transitions so the dry-run timer resets per
	// session.
	wasConnected bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// Options holds collaborators for creating a Coordinator. MQTT, Registry,
// Telemetry, Metrics, Controller and Logger are all optional; the
// coordinator skips whichever outputs are absent.
type Options struct {
	// DeviceID is the device this coordinator serves.
	DeviceID string

	// Evaluator computes derived state. A default one is created if nil.
	Evaluator *Evaluator

	// MQTT publishes state and acks and receives commands.
	MQTT MQTTClient

	// Registry persists device state and health.
	Registry StateStore

	// Telemetry records states to time-series storage.
	Telemetry TelemetryWriter

	// Metrics receives operational counters.
	Metrics Metrics

	// Controller executes pump commands received over MQTT.
	Controller PumpController

	// Logger is optional structured logging.
	Logger Logger

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// New creates a coordinator. Call Start to begin distribution.
func New(opts Options) (*Coordinator, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}

	ev := opts.Evaluator
	if ev == nil {
		ev = NewEvaluator(EvaluatorOptions{Clock: opts.Clock})
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		deviceID:  opts.DeviceID,
		evaluator: ev,
		mqtt:      opts.MQTT,
		registry:  opts.Registry,
		telemetry: opts.Telemetry,
		metrics:   opts.Metrics,
		ctrl:      opts.Controller,
		logger:    opts.Logger,
		now:       clock,
		updates:   make(chan ble.Snapshot, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Publish stages a snapshot for distribution. Never blocks: when a prior
// snapshot is still staged it is replaced, so observers always converge on
// the newest full state. Safe from any goroutine.
func (c *Coordinator) Publish(snap ble.Snapshot) {
	for {
		select {
		case c.updates <- snap:
			return
		default:
		}
		// Slot full: evict the stale snapshot and retry.
		select {
		case <-c.updates:
		default:
		}
	}
}

// Start begins the distribution loop and subscribes to the device's
// command topic.
func (c *Coordinator) Start() error {
	if c.mqtt != nil && c.ctrl != nil {
		topic := CommandTopic(c.deviceID)
		if err := c.mqtt.Subscribe(topic, 1, c.handleCommandMessage); err != nil {
			return fmt.Errorf("subscribe to commands: %w", err)
		}
		c.logInfo("subscribed to commands", "topic", topic)
	}

	c.wg.Add(1)
	go c.run()

	c.logInfo("coordinator started", "device_id", c.deviceID)
	return nil
}

// Stop shuts down the distribution loop. Snapshots published after Stop
// are dropped.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.wg.Wait()
		c.logInfo("coordinator stopped", "device_id", c.deviceID)
	})
}

// AddListener registers an in-process observer of evaluated states.
// Must be called before Start.
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Latest returns the most recently distributed state, if any.
func (c *Coordinator) Latest() (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return State{}, false
	}
	return *c.latest, true
}

// run consumes staged snapshots until Stop.
func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case snap := <-c.updates:
			c.process(snap)
		}
	}
}

// process evaluates one snapshot and distributes the resulting state to
// every configured output.
func (c *Coordinator) process(snap ble.Snapshot) {
	// A fresh session starts with a fresh dry-run window.
	if snap.Connected && !c.wasConnected {
		c.evaluator.Reset()
	}
	c.wasConnected = snap.Connected

	derived := c.evaluator.Evaluate(snap.PumpOn, snap.FlowLPM, snap.ErrorCode)

	state := State{
		DeviceID:     c.deviceID,
		Timestamp:    c.now().UTC(),
		Connected:    snap.Connected,
		PumpOn:       snap.PumpOn,
		FlowLPM:      snap.FlowLPM,
		FlowDetected: derived.FlowDetected,
		DryRun:       derived.DryRun,
		TotalVolumeL: snap.TotalVolumeL,
		ErrorCode:    derived.ErrorCode,
		ErrorMessage: derived.ErrorMessage,
		RawErrorCode: snap.ErrorCode,
	}

	c.mu.Lock()
	c.latest = &state
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}

	c.publishState(state)
	c.persistState(state)

	if c.telemetry != nil {
		c.telemetry.WriteState(state)
	}
	if c.metrics != nil {
		c.metrics.StatePublished(c.deviceID)
		c.metrics.DryRunActive(c.deviceID, state.DryRun)
		c.metrics.DeviceConnected(c.deviceID, state.Connected)
		if state.FlowLPM != nil {
			c.metrics.FlowRate(c.deviceID, *state.FlowLPM)
		}
		c.metrics.SessionVolume(c.deviceID, state.TotalVolumeL)
	}
}

// publishState publishes the retained state message to MQTT.
func (c *Coordinator) publishState(state State) {
	if c.mqtt == nil {
		return
	}

	msg := NewStateMessage(state)
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logError("failed to marshal state", err)
		return
	}

	if err := c.mqtt.Publish(StateTopic(c.deviceID), payload, 1, true); err != nil {
		c.logError("failed to publish state", err)
	}
}

// persistState writes state and health to the device registry.
func (c *Coordinator) persistState(state State) {
	if c.registry == nil {
		return
	}

	fields := map[string]any{
		"connected":      state.Connected,
		"pump_on":        state.PumpOn,
		"flow_detected":  state.FlowDetected,
		"dry_run":        state.DryRun,
		"total_volume_l": state.TotalVolumeL,
		"error_code":     state.ErrorCode,
		"error_message":  state.ErrorMessage,
	}
	if state.FlowLPM != nil {
		fields["flow_lpm"] = *state.FlowLPM
	}

	if err := c.registry.SetDeviceState(c.ctx, c.deviceID, fields); err != nil {
		c.logDebug("registry state update skipped",
			"device", c.deviceID,
			"reason", err.Error())
		return
	}

	health := "online"
	if !state.Connected {
		health = "offline"
	}
	if err := c.registry.SetDeviceHealth(c.ctx, c.deviceID, health); err != nil {
		c.logDebug("registry health update skipped",
			"device", c.deviceID,
			"reason", err.Error())
	}
}

// logInfo logs an info message if logger is set.
func (c *Coordinator) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

// logDebug logs a debug message if logger is set.
func (c *Coordinator) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Coordinator) logError(msg string, err error) {
	if c.logger != nil {
		c.logger.Error(msg, "error", err)
	}
}
