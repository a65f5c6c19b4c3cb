package ble

import (
	"context"
	"time"
)

// GATT characteristic UUIDs exposed by the BG22 hydro firmware.
const (
	// PumpStateUUID is the pump enable characteristic (read/write, 1 byte).
	PumpStateUUID = "61a885a4-41c3-60d0-9a53-6d652a700002"

	// FlowRateUUID is the flow-rate characteristic (read/notify, variable width).
	FlowRateUUID = "5b026510-4088-c297-46d8-be6c736a0001"

	// ErrorCodeUUID is the device error-code characteristic (read/notify, 1 byte).
	ErrorCodeUUID = "a094a4cb-ec14-40dd-aa93-38222d5d0003"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// TransportStats holds operational statistics for a transport.
type TransportStats struct {
	NotificationsRx      uint64
	NotificationsDropped uint64 // Dropped due to full callback queue
	WritesTx             uint64
	ReadsTx              uint64
	ErrorsTotal          uint64
	ReconnectsTotal      uint64 // Successful daemon reconnections
	LastActivity         time.Time
	Connected            bool // Device session established
	DaemonConnected      bool // Socket to gattd up
}

// Connector is the transport boundary to the BLE stack.
//
// It mirrors the capabilities of the gattd daemon: establish a device
// session, subscribe to characteristic notifications, and perform reads
// and writes. Implementations must be safe for concurrent use; notification
// callbacks are invoked from transport-owned goroutines.
type Connector interface {
	// Connect establishes a session with the device at target (a BLE MAC
	// address). onDisconnect is invoked once if the session is later lost
	// from the transport side.
	Connect(ctx context.Context, target string, onDisconnect func()) error

	// StartNotify subscribes callback to notifications on a characteristic.
	// The subscription lasts for the lifetime of the current session.
	StartNotify(ctx context.Context, characteristic string, callback func(data []byte)) error

	// Read reads the current value of a characteristic.
	Read(ctx context.Context, characteristic string) ([]byte, error)

	// Write writes data to a characteristic with response.
	Write(ctx context.Context, characteristic string, data []byte) error

	// Disconnect tears down the device session.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether a device session is established.
	IsConnected() bool

	// Stats returns operational statistics.
	Stats() TransportStats

	// Close releases the transport and its daemon connection.
	Close() error
}
