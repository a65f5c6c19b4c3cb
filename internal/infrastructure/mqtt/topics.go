package mqtt

import "fmt"

// Topic prefixes for the bridge MQTT hierarchy.
//
// All device topics use the flat scheme: hydro/{category}/{protocol}/{device_id}
// This matches the coordinator's messages and all runtime subscribers.
const (
	// TopicPrefixBridge is the base for all bridge topics.
	TopicPrefixBridge = "hydro"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "hydro/system"
)

// Topics provides builders for bridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("ble", "hydro-garden")
//	// Returns: "hydro/state/ble/hydro-garden"
type Topics struct{}

// DeviceState returns the topic for device state updates.
//
// Example: hydro/state/ble/hydro-garden
func (Topics) DeviceState(protocol, deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// DeviceCommand returns the topic for commands to a device.
//
// Example: hydro/command/ble/hydro-garden
func (Topics) DeviceCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// DeviceAck returns the topic for command acknowledgements.
//
// Example: hydro/ack/ble/hydro-garden
func (Topics) DeviceAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: hydro/health/ble
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// SystemStatus returns the system status topic.
//
// Example: hydro/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceStates returns a pattern matching all device state updates.
//
// Pattern: hydro/state/+/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefixBridge)
}

// AllDeviceCommands returns a pattern matching all commands to devices.
//
// Pattern: hydro/command/+/+
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/command/+/+", TopicPrefixBridge)
}
