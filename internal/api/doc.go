// Package api implements the HTTP REST API for the hydro bridge.
//
// This package provides:
//   - REST endpoints for device CRUD, irrigation state reads, and pump commands
//   - Prometheus metrics exposition at /metrics
//   - Middleware stack (request ID, logging, recovery, body size limits)
//
// # Architecture
//
// The API server sits beside the coordinator rather than in front of it.
// Reads come from the device registry, which the coordinator keeps current
// with every evaluated state. Commands are published to the same MQTT
// command topics the coordinator subscribes to, so a pump command from the
// API takes the identical path as one from the host platform: decode,
// execute over BLE, acknowledge on the ack topic.
//
// # Graceful Degradation
//
// The server operates without MQTT. Reads keep working; only the command
// endpoint degrades, returning 503 until the broker connection is restored.
package api
