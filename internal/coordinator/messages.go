package coordinator

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT message types for communication between the host platform and the
// BLE bridge.

// CommandMessage is sent from the platform to the bridge to execute a pump
// command.
// Topic: hydro/command/ble/{device_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with
	// acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the bridge device identifier.
	DeviceID string `json:"device_id"`

	// Command is the command name ("on", "off", "read").
	Command string `json:"command"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "schedule"
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was received and written to the
	// device.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to the platform to acknowledge a
// command.
// Topic: hydro/ack/ble/{device_id}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the bridge device identifier.
	DeviceID string `json:"device_id"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Protocol is the protocol identifier ("ble").
	Protocol string `json:"protocol"`

	// Error contains details if status is "failed".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g. "DEVICE_UNREACHABLE").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from the bridge to the platform when device state
// changes.
// Topic: hydro/state/ble/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the bridge device identifier.
	DeviceID string `json:"device_id"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// State is the full evaluated device state.
	State State `json:"state"`

	// Protocol is the protocol identifier ("ble").
	Protocol string `json:"protocol"`
}

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  "ble",
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckFailed,
		Protocol:  "ble",
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(state State) StateMessage {
	return StateMessage{
		DeviceID:  state.DeviceID,
		Timestamp: state.Timestamp,
		State:     state,
		Protocol:  "ble",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all bridge messages.
const TopicPrefix = "hydro"

// StateTopic returns the MQTT topic for state updates.
// Example: hydro/state/ble/hydro-garden
func StateTopic(deviceID string) string {
	return fmt.Sprintf("%s/state/ble/%s", TopicPrefix, deviceID)
}

// CommandTopic returns the MQTT topic for commands to a specific device.
// Example: hydro/command/ble/hydro-garden
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/command/ble/%s", TopicPrefix, deviceID)
}

// AckTopic returns the MQTT topic for command acknowledgments.
// Example: hydro/ack/ble/hydro-garden
func AckTopic(deviceID string) string {
	return fmt.Sprintf("%s/ack/ble/%s", TopicPrefix, deviceID)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
// Example: hydro/command/ble/#
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/ble/#", TopicPrefix)
}

// HealthTopic returns the MQTT topic for bridge health status.
// Example: hydro/health/ble
func HealthTopic() string {
	return fmt.Sprintf("%s/health/ble", TopicPrefix)
}
