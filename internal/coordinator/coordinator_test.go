package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossvale/hydrobridge/internal/bridges/ble"
)

// mockMQTT records publishes and subscriptions.
type mockMQTT struct {
	mu         sync.Mutex
	published  []mockPublish
	subscribed map[string]func(topic string, payload []byte)
	subErr     error
	pubErr     error
}

type mockPublish struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{subscribed: make(map[string]func(string, []byte))}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return m.pubErr
	}
	m.published = append(m.published, mockPublish{topic, append([]byte(nil), payload...), qos, retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.subscribed[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool { return true }

func (m *mockMQTT) publishesTo(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// mockStore records registry writes.
type mockStore struct {
	mu     sync.Mutex
	states []map[string]any
	health []string
	err    error
}

func (s *mockStore) SetDeviceState(_ context.Context, _ string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.states = append(s.states, state)
	return nil
}

func (s *mockStore) SetDeviceHealth(_ context.Context, _ string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, status)
	return nil
}

// mockTelemetry records telemetry writes.
type mockTelemetry struct {
	mu     sync.Mutex
	states []State
}

func (t *mockTelemetry) WriteState(state State) {
	t.mu.Lock()
	t.states = append(t.states, state)
	t.mu.Unlock()
}

// mockMetrics records counter calls.
type mockMetrics struct {
	mu        sync.Mutex
	published int
	dryRun    []bool
	commands  []string
	connected []bool
}

func (m *mockMetrics) StatePublished(string) {
	m.mu.Lock()
	m.published++
	m.mu.Unlock()
}

func (m *mockMetrics) DryRunActive(_ string, active bool) {
	m.mu.Lock()
	m.dryRun = append(m.dryRun, active)
	m.mu.Unlock()
}

func (m *mockMetrics) CommandHandled(_, command string, _ bool) {
	m.mu.Lock()
	m.commands = append(m.commands, command)
	m.mu.Unlock()
}

func (m *mockMetrics) DeviceConnected(_ string, connected bool) {
	m.mu.Lock()
	m.connected = append(m.connected, connected)
	m.mu.Unlock()
}

func (m *mockMetrics) FlowRate(string, float64) {}

func (m *mockMetrics) SessionVolume(string, float64) {}

func connectedSnapshot(flow *float64) ble.Snapshot {
	return ble.Snapshot{
		DeviceID:     "hydro-garden",
		Connected:    true,
		PumpOn:       true,
		FlowLPM:      flow,
		TotalVolumeL: 1.25,
	}
}

func TestProcessDistributesState(t *testing.T) {
	mqtt := newMockMQTT()
	store := &mockStore{}
	telemetry := &mockTelemetry{}
	metrics := &mockMetrics{}
	clock := newTestClock()

	var received []State
	c, err := New(Options{
		DeviceID:  "hydro-garden",
		MQTT:      mqtt,
		Registry:  store,
		Telemetry: telemetry,
		Metrics:   metrics,
		Clock:     clock.now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.AddListener(func(s State) { received = append(received, s) })

	c.process(connectedSnapshot(f(1.5)))

	// Latest
	latest, ok := c.Latest()
	if !ok {
		t.Fatal("Latest() empty after process")
	}
	if !latest.FlowDetected {
		t.Error("1.5 lpm not detected above 0.2 threshold")
	}
	if latest.ErrorCode != ErrorOK || latest.ErrorMessage != "OK" {
		t.Errorf("error = %d %q, want OK", latest.ErrorCode, latest.ErrorMessage)
	}

	// Listener
	if len(received) != 1 {
		t.Fatalf("listener called %d times, want 1", len(received))
	}

	// MQTT: retained state message on the device topic
	pubs := mqtt.publishesTo(StateTopic("hydro-garden"))
	if len(pubs) != 1 {
		t.Fatalf("published %d state messages, want 1", len(pubs))
	}
	if !pubs[0].retained {
		t.Error("state message not retained")
	}
	var msg StateMessage
	if err := json.Unmarshal(pubs[0].payload, &msg); err != nil {
		t.Fatalf("state payload invalid JSON: %v", err)
	}
	if msg.Protocol != "ble" || msg.DeviceID != "hydro-garden" {
		t.Errorf("state message = %+v", msg)
	}
	if msg.State.TotalVolumeL != 1.25 {
		t.Errorf("state volume = %v, want 1.25", msg.State.TotalVolumeL)
	}

	// Registry
	if len(store.states) != 1 || len(store.health) != 1 {
		t.Fatalf("registry writes = %d state, %d health; want 1 each", len(store.states), len(store.health))
	}
	if store.health[0] != "online" {
		t.Errorf("health = %q, want online", store.health[0])
	}
	if got := store.states[0]["flow_lpm"]; got != 1.5 {
		t.Errorf("persisted flow = %v, want 1.5", got)
	}

	// Telemetry and metrics
	if len(telemetry.states) != 1 {
		t.Errorf("telemetry writes = %d, want 1", len(telemetry.states))
	}
	if metrics.published != 1 {
		t.Errorf("metrics published = %d, want 1", metrics.published)
	}
}

func TestProcessOfflineHealth(t *testing.T) {
	store := &mockStore{}
	c, err := New(Options{DeviceID: "hydro-garden", Registry: store, Clock: newTestClock().now})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	snap := connectedSnapshot(nil)
	snap.Connected = false
	c.process(snap)

	if len(store.health) != 1 || store.health[0] != "offline" {
		t.Errorf("health = %v, want [offline]", store.health)
	}
}

func TestProcessSkipsHealthOnStateError(t *testing.T) {
	store := &mockStore{err: errors.New("db locked")}
	c, err := New(Options{DeviceID: "hydro-garden", Registry: store, Clock: newTestClock().now})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c.process(connectedSnapshot(f(1.0)))

	if len(store.health) != 0 {
		t.Errorf("health written despite state error: %v", store.health)
	}
}

func TestDryRunTimerResetsOnReconnect(t *testing.T) {
	clock := newTestClock()
	c, err := New(Options{DeviceID: "hydro-garden", Clock: clock.now})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Pump on without flow long enough to raise dry-run.
	c.process(connectedSnapshot(nil))
	clock.advance(10 * time.Second)
	c.process(connectedSnapshot(nil))
	if latest, _ := c.Latest(); !latest.DryRun {
		t.Fatal("dry run not raised")
	}

	// Session drops, then reconnects. The no-flow window must restart.
	snap := connectedSnapshot(nil)
	snap.Connected = false
	c.process(snap)
	clock.advance(time.Minute)

	c.process(connectedSnapshot(nil))
	if latest, _ := c.Latest(); latest.DryRun {
		t.Error("dry run carried across reconnect")
	}
}

func TestPublishLatestWins(t *testing.T) {
	c, err := New(Options{DeviceID: "hydro-garden"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// No run loop consuming: later publishes replace the staged snapshot.
	c.Publish(connectedSnapshot(f(1.0)))
	c.Publish(connectedSnapshot(f(2.0)))
	c.Publish(connectedSnapshot(f(3.0)))

	select {
	case snap := <-c.updates:
		if snap.FlowLPM == nil || *snap.FlowLPM != 3.0 {
			t.Errorf("staged flow = %v, want newest 3.0", snap.FlowLPM)
		}
	default:
		t.Fatal("no snapshot staged")
	}

	select {
	case snap := <-c.updates:
		t.Errorf("second snapshot staged: %+v", snap)
	default:
	}
}

func TestStartStop(t *testing.T) {
	c, err := New(Options{DeviceID: "hydro-garden"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	c.Publish(connectedSnapshot(f(1.0)))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Latest(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Stop()
	c.Stop() // idempotent
}

func TestStartSubscribesToCommands(t *testing.T) {
	mqtt := newMockMQTT()
	c, err := New(Options{
		DeviceID:   "hydro-garden",
		MQTT:       mqtt,
		Controller: &mockController{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	if _, ok := mqtt.subscribed[CommandTopic("hydro-garden")]; !ok {
		t.Errorf("not subscribed to command topic; got %v", mqtt.subscribed)
	}
}

func TestStartSubscribeFailure(t *testing.T) {
	mqtt := newMockMQTT()
	mqtt.subErr = errors.New("broker unavailable")
	c, err := New(Options{
		DeviceID:   "hydro-garden",
		MQTT:       mqtt,
		Controller: &mockController{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err == nil {
		t.Error("Start() succeeded despite subscribe failure")
	}
}
