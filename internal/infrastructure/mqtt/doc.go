// Package mqtt is the bridge's link to the host home-automation
// platform.
//
// The service publishes evaluated device state and command
// acknowledgments on MQTT and receives pump commands from it, sitting
// between the broker and the BLE side:
//
//	Host Platform ↔ MQTT Broker ↔ hydrobridge ↔ gattd ↔ BLE controller
//
// Client wraps paho.mqtt.golang with the pieces the service needs:
// broker connection with auto-reconnect, QoS-checked publishing, topic
// subscription tracking that survives reconnects, and a Last Will so
// the platform sees the bridge drop offline. Topics centralises the
// topic layout so no handler builds topic strings by hand.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.DeviceState("ble", "hydro-garden")
//	client.Publish(topic, payload, 1, true)
//
// TLS is expected for anything beyond local development; payloads carry
// no encryption of their own beyond the transport.
package mqtt
