package ble

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

// mockConnector is a scriptable Connector for device tests.
type mockConnector struct {
	mu sync.Mutex

	connected    bool
	connectErr   error
	connectCalls int
	onDisconnect func()

	readData map[string][]byte
	readErr  map[string]error

	writeErr error
	writes   []mockWrite

	notifyErr error
	handlers  map[string]func([]byte)
}

type mockWrite struct {
	characteristic string
	data           []byte
}

func newMockConnector() *mockConnector {
	return &mockConnector{
		readData: make(map[string][]byte),
		readErr:  make(map[string]error),
		handlers: make(map[string]func([]byte)),
	}
}

func (m *mockConnector) Connect(_ context.Context, _ string, onDisconnect func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	m.onDisconnect = onDisconnect
	return nil
}

func (m *mockConnector) StartNotify(_ context.Context, characteristic string, cb func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.handlers[characteristic] = cb
	return nil
}

func (m *mockConnector) Read(_ context.Context, characteristic string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErr[characteristic]; err != nil {
		return nil, err
	}
	data, ok := m.readData[characteristic]
	if !ok {
		return nil, errors.New("no value")
	}
	return data, nil
}

func (m *mockConnector) Write(_ context.Context, characteristic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, mockWrite{characteristic, append([]byte(nil), data...)})
	return nil
}

func (m *mockConnector) Disconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *mockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockConnector) Stats() TransportStats { return TransportStats{} }
func (m *mockConnector) Close() error          { return nil }

// notify delivers a notification through the subscribed handler.
func (m *mockConnector) notify(t *testing.T, characteristic string, data []byte) {
	t.Helper()
	m.mu.Lock()
	handler := m.handlers[characteristic]
	m.mu.Unlock()
	if handler == nil {
		t.Fatalf("no notification handler registered for %s", characteristic)
	}
	handler(data)
}

// capturePublisher records every published snapshot.
type capturePublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *capturePublisher) Publish(s Snapshot) {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func (p *capturePublisher) last(t *testing.T) Snapshot {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		t.Fatal("no snapshot published")
	}
	return p.snaps[len(p.snaps)-1]
}

// fakeClock is a controllable clock for time-dependent logic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDevice(t *testing.T, transport *mockConnector, sink *capturePublisher, clock *fakeClock) *Device {
	t.Helper()
	d, err := NewDevice(DeviceOptions{
		Config: DeviceConfig{
			ID:      "hydro-garden",
			Name:    "Garden pump",
			Address: "AA:BB:CC:DD:EE:FF",
		},
		Transport: transport,
		Publisher: sink,
		Clock:     clock.now,
	})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	return d
}

// ─── Connect ───────────────────────────────────────────────────────

func TestConnectSeedsCache(t *testing.T) {
	transport := newMockConnector()
	transport.readData[PumpStateUUID] = []byte{0x01}
	transport.readData[FlowRateUUID] = []byte{0x00, 0x00, 0x20, 0x40} // 2.5 f32
	transport.readData[ErrorCodeUUID] = []byte{0x03}

	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := sink.count(); got != 1 {
		t.Fatalf("published %d snapshots, want 1", got)
	}

	snap := sink.last(t)
	if !snap.Connected {
		t.Error("snapshot not connected")
	}
	if !snap.PumpOn {
		t.Error("pump state not seeded")
	}
	if snap.FlowLPM == nil || *snap.FlowLPM != 2.5 {
		t.Errorf("flow = %v, want 2.5", snap.FlowLPM)
	}
	if !snap.FlowDetected {
		t.Error("flow above threshold not detected")
	}
	if snap.ErrorCode != 3 {
		t.Errorf("error code = %d, want 3", snap.ErrorCode)
	}
}

func TestConnectPartialReadFailure(t *testing.T) {
	transport := newMockConnector()
	transport.readData[PumpStateUUID] = []byte{0x01}
	transport.readErr[FlowRateUUID] = errors.New("gatt timeout")
	transport.readData[ErrorCodeUUID] = []byte{0x00}

	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	snap := sink.last(t)
	if !snap.PumpOn {
		t.Error("failed flow read blocked pump seeding")
	}
	if snap.FlowLPM != nil {
		t.Errorf("flow = %v, want absent", snap.FlowLPM)
	}
	if snap.FlowDetected {
		t.Error("flow detected with absent reading")
	}
}

func TestConnectTransportFailure(t *testing.T) {
	transport := newMockConnector()
	transport.connectErr = errors.New("device out of range")

	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	err := d.Connect(context.Background())
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("Connect() error = %v, want ErrTransportFailure", err)
	}
	if d.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", d.State())
	}
}

func TestConnectIdempotent(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	if transport.connectCalls != 1 {
		t.Errorf("transport.Connect called %d times, want 1", transport.connectCalls)
	}
}

func TestReconnectResetsAccumulator(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	clock := newFakeClock()
	d := newTestDevice(t, transport, sink, clock)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Accumulate some volume
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x20, 0x40}) // 2.5 lpm
	clock.advance(time.Minute)
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x20, 0x40})
	if got := sink.last(t).TotalVolumeL; got != 2.5 {
		t.Fatalf("total = %v, want 2.5", got)
	}

	// Lose the session, reconnect
	transport.onDisconnect()
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}

	if got := sink.last(t).TotalVolumeL; got != 0 {
		t.Errorf("total after reconnect = %v, want 0", got)
	}
}

// ─── Flow notifications ────────────────────────────────────────────

func TestFlowNotificationFloat32(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	before := sink.count()

	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x80, 0x3F}) // 1.0 f32 LE

	if got := sink.count(); got != before+1 {
		t.Fatalf("published %d snapshots for one notification, want 1", got-before)
	}
	snap := sink.last(t)
	if snap.FlowLPM == nil || *snap.FlowLPM != 1.0 {
		t.Errorf("flow = %v, want 1.0", snap.FlowLPM)
	}
	if !snap.FlowDetected {
		t.Error("1.0 lpm not detected above 0.05 threshold")
	}
}

func TestFlowNotificationIntegratesVolume(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	clock := newFakeClock()
	d := newTestDevice(t, transport, sink, clock)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// First sample starts the integration window without accumulating.
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x80, 0x3F}) // 1.0
	if got := sink.last(t).TotalVolumeL; got != 0 {
		t.Fatalf("total after first sample = %v, want 0", got)
	}

	// 30 seconds at the newly reported 3.0 lpm → 1.5 L.
	clock.advance(30 * time.Second)
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x40, 0x40}) // 3.0

	if got := sink.last(t).TotalVolumeL; math.Abs(got-1.5) > 1e-9 {
		t.Errorf("total = %v, want 1.5", got)
	}
}

func TestFlowNotificationMalformedRetainsPrior(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x80, 0x3F}) // 1.0
	before := sink.count()

	transport.notify(t, FlowRateUUID, []byte{0x01, 0x02, 0x03}) // bad width

	if got := sink.count(); got != before+1 {
		t.Fatalf("published %d snapshots for rejected notification, want exactly 1", got-before)
	}
	snap := sink.last(t)
	if snap.FlowLPM == nil || *snap.FlowLPM != 1.0 {
		t.Errorf("flow after rejected payload = %v, want prior 1.0", snap.FlowLPM)
	}
	if !snap.FlowDetected {
		t.Error("flow detection lost on rejected payload")
	}
}

func TestFlowNotificationVariableWidths(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{"u16 fixed point", []byte{0x2C, 0x01}, 3.0}, // 300/100
		{"u8 coarse", []byte{0x05}, 5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newMockConnector()
			sink := &capturePublisher{}
			d := newTestDevice(t, transport, sink, newFakeClock())

			if err := d.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			transport.notify(t, FlowRateUUID, tt.data)

			snap := sink.last(t)
			if snap.FlowLPM == nil || *snap.FlowLPM != tt.want {
				t.Errorf("flow = %v, want %v", snap.FlowLPM, tt.want)
			}
		})
	}
}

// ─── Error notifications ───────────────────────────────────────────

func TestErrorNotification(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.notify(t, ErrorCodeUUID, []byte{0x03})

	if got := sink.last(t).ErrorCode; got != 3 {
		t.Errorf("error code = %d, want 3", got)
	}
}

func TestErrorNotificationEmptyPayload(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.notify(t, ErrorCodeUUID, []byte{0x05})
	before := sink.count()

	transport.notify(t, ErrorCodeUUID, nil)

	if got := sink.count(); got != before+1 {
		t.Fatalf("published %d snapshots for empty payload, want exactly 1", got-before)
	}
	if got := sink.last(t).ErrorCode; got != 5 {
		t.Errorf("error code after empty payload = %d, want prior 5", got)
	}
}

// ─── Commands ──────────────────────────────────────────────────────

func TestTurnOnWritesPumpState(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := d.TurnOn(context.Background()); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	if len(transport.writes) != 1 {
		t.Fatalf("wrote %d characteristics, want 1", len(transport.writes))
	}
	w := transport.writes[0]
	if w.characteristic != PumpStateUUID || len(w.data) != 1 || w.data[0] != 0x01 {
		t.Errorf("write = %+v, want pump state 0x01", w)
	}
	if !sink.last(t).PumpOn {
		t.Error("snapshot pump state not updated")
	}
}

func TestTurnOffIntegratesResidualFlow(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	clock := newFakeClock()
	d := newTestDevice(t, transport, sink, clock)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := d.TurnOn(context.Background()); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	// 2.0 lpm reported, then 3 seconds pass before the stop command.
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x00, 0x40})
	clock.advance(3 * time.Second)

	if err := d.TurnOff(context.Background()); err != nil {
		t.Fatalf("TurnOff() error = %v", err)
	}

	snap := sink.last(t)
	if math.Abs(snap.TotalVolumeL-0.1) > 1e-9 {
		t.Errorf("total = %v, want 0.1 (2 lpm over 3 s)", snap.TotalVolumeL)
	}
	if snap.FlowLPM == nil || *snap.FlowLPM != 0 {
		t.Errorf("flow after stop = %v, want 0", snap.FlowLPM)
	}
	if snap.FlowDetected {
		t.Error("flow still detected after stop")
	}
	if snap.PumpOn {
		t.Error("pump still on after stop")
	}
}

func TestCommandNotConnected(t *testing.T) {
	transport := newMockConnector()
	transport.connectErr = errors.New("device out of range")

	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	err := d.TurnOn(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("TurnOn() error = %v, want ErrNotConnected", err)
	}
}

func TestCommandReconnectsFirst(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	// Never explicitly connected; the command should establish the session.
	if err := d.TurnOn(context.Background()); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}
	if transport.connectCalls != 1 {
		t.Errorf("transport.Connect called %d times, want 1", transport.connectCalls)
	}
}

func TestCommandWriteFailure(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.writeErr = errors.New("gatt write failed")

	err := d.TurnOn(context.Background())
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("TurnOn() error = %v, want ErrTransportFailure", err)
	}
	if sink.last(t).PumpOn {
		t.Error("cached pump state updated despite failed write")
	}
}

// ─── Transport disconnect ──────────────────────────────────────────

func TestTransportDisconnectPublishes(t *testing.T) {
	transport := newMockConnector()
	sink := &capturePublisher{}
	clock := newFakeClock()
	d := newTestDevice(t, transport, sink, clock)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x80, 0x3F}) // 1.0
	clock.advance(time.Minute)
	transport.notify(t, FlowRateUUID, []byte{0x00, 0x00, 0x80, 0x3F})
	before := sink.count()

	transport.onDisconnect()

	if got := sink.count(); got != before+1 {
		t.Fatalf("published %d snapshots on disconnect, want exactly 1", got-before)
	}
	snap := sink.last(t)
	if snap.Connected {
		t.Error("snapshot still connected")
	}
	if snap.FlowDetected {
		t.Error("flow detection not cleared on disconnect")
	}
	// Last-known values stay visible until reconnect.
	if snap.FlowLPM == nil || *snap.FlowLPM != 1.0 {
		t.Errorf("flow = %v, want last-known 1.0", snap.FlowLPM)
	}
	if snap.TotalVolumeL != 1.0 {
		t.Errorf("total = %v, want retained 1.0", snap.TotalVolumeL)
	}
	if d.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", d.State())
	}
}

// ─── ReadAll ───────────────────────────────────────────────────────

func TestReadAllRefreshesCache(t *testing.T) {
	transport := newMockConnector()
	transport.readData[PumpStateUUID] = []byte{0x00}
	transport.readData[FlowRateUUID] = []byte{0x96, 0x00} // u16 → 1.5
	transport.readData[ErrorCodeUUID] = []byte{0x02}

	sink := &capturePublisher{}
	d := newTestDevice(t, transport, sink, newFakeClock())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	snap, err := d.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if snap.FlowLPM == nil || *snap.FlowLPM != 1.5 {
		t.Errorf("flow = %v, want 1.5", snap.FlowLPM)
	}
	if snap.ErrorCode != 2 {
		t.Errorf("error code = %d, want 2", snap.ErrorCode)
	}
}
