package device

import "time"

// Device represents a BLE irrigation controller known to the bridge.
// Records are persisted in the devices table and cached by the Registry.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`

	// Address is the controller's BLE MAC address (AA:BB:CC:DD:EE:FF).
	Address string `json:"address"`

	// DetectThreshold is the flow rate (L/min) above which the controller
	// reports flow as present. Zero means use the bridge default.
	DetectThreshold float64 `json:"detect_threshold,omitempty"`

	// Current state
	State          State      `json:"state"`
	StateUpdatedAt *time.Time `json:"state_updated_at,omitempty"`

	// Health monitoring
	HealthStatus   HealthStatus `json:"health_status"`
	HealthLastSeen *time.Time   `json:"health_last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// The state map is cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields
	cpy.State = deepCopyMap(d.State)

	// Pointer fields (*time.Time) don't need deep copy because
	// time.Time is immutable in Go

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// State holds the current device state as a JSON map.
//
// Example:
//
//	{"connected": true, "pump_on": true, "flow_lpm": 3.2,
//	 "total_volume_l": 14.75, "error_code": 0}
type State map[string]any

// HealthStatus represents the device health state.
type HealthStatus string

// HealthStatus constants.
const (
	HealthStatusOnline   HealthStatus = "online"
	HealthStatusOffline  HealthStatus = "offline"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusUnknown  HealthStatus = "unknown"
)

// AllHealthStatuses returns all valid health status values.
func AllHealthStatuses() []HealthStatus {
	return []HealthStatus{
		HealthStatusOnline, HealthStatusOffline, HealthStatusDegraded, HealthStatusUnknown,
	}
}
