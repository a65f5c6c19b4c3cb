package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mossvale/hydrobridge/internal/bridges/ble"
)

// handleCommandMessage processes an inbound MQTT command for this device.
func (c *Coordinator) handleCommandMessage(topic string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logError("failed to parse command", err)
		return
	}

	// Broker-side routing already scoped the subscription to this device;
	// a mismatched body is a misdirected publish.
	if cmd.DeviceID != "" && cmd.DeviceID != c.deviceID {
		c.logWarnCmd("command for wrong device", cmd, "topic", topic)
		return
	}
	cmd.DeviceID = c.deviceID
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	c.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	err := c.executeCommand(cmd)
	if c.metrics != nil {
		c.metrics.CommandHandled(c.deviceID, cmd.Command, err == nil)
	}
}

// executeCommand runs one pump command and publishes the acknowledgment.
func (c *Coordinator) executeCommand(cmd CommandMessage) error {
	// Derive timeout from the coordinator context so commands are
	// cancelled on shutdown.
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Command {
	case "on":
		err = c.ctrl.TurnOn(ctx)
	case "off":
		err = c.ctrl.TurnOff(ctx)
	case "read":
		_, err = c.ctrl.ReadAll(ctx)
	default:
		c.publishAckError(cmd, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}

	if err != nil {
		c.logError("command execution failed", err)
		c.publishAckError(cmd, commandErrorCode(err), err.Error())
		return err
	}

	c.publishAck(cmd, AckAccepted)
	return nil
}

// commandErrorCode maps a device-layer error to an ack error code.
func commandErrorCode(err error) string {
	if errors.Is(err, ble.ErrNotConnected) || errors.Is(err, ble.ErrTransportFailure) {
		return ErrCodeDeviceUnreachable
	}
	return ErrCodeBridgeError
}

// publishAck publishes a command acknowledgment.
func (c *Coordinator) publishAck(cmd CommandMessage, status AckStatus) {
	ack := NewAckMessage(cmd, status)

	payload, err := json.Marshal(ack)
	if err != nil {
		c.logError("failed to marshal ack", err)
		return
	}

	if err := c.mqtt.Publish(AckTopic(c.deviceID), payload, 1, false); err != nil {
		c.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
func (c *Coordinator) publishAckError(cmd CommandMessage, code, message string) {
	ack := NewAckError(cmd, code, message)

	payload, err := json.Marshal(ack)
	if err != nil {
		c.logError("failed to marshal ack error", err)
		return
	}

	if err := c.mqtt.Publish(AckTopic(c.deviceID), payload, 1, false); err != nil {
		c.logError("failed to publish ack error", err)
	}

	c.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// logWarnCmd logs a warning about a command if logger is set.
func (c *Coordinator) logWarnCmd(msg string, cmd CommandMessage, keysAndValues ...any) {
	if c.logger != nil {
		kv := append([]any{"command_id", cmd.ID, "device_id", cmd.DeviceID}, keysAndValues...)
		c.logger.Warn(msg, kv...)
	}
}
