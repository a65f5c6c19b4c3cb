// Package ble implements the BLE irrigation bridge for hydrobridge.
//
// This package provides connectivity to the BG22 pump + flow-sensor
// controller via a GATT proxy daemon (gattd). It owns the device connection
// lifecycle, decodes characteristic payloads, accumulates delivered volume,
// and pushes raw telemetry snapshots to the coordinator.
//
// # Architecture
//
// The bridge sits between the home-automation core and the BLE device:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   hydrobridge   │  channel │  Device State   │  gattd
//	│   Coordinator   │◄─────────│  (this pkg)     │◄────────► BLE device
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Connect to the gattd daemon via Unix socket or TCP
//   - Subscribe to flow-rate and error-code notifications
//   - Decode heterogeneous characteristic payloads (f32 / u16 / u8)
//   - Integrate instantaneous flow into cumulative delivered volume
//   - Publish a full telemetry snapshot once per accepted event
//
// # Characteristics
//
// The device exposes three characteristics:
//
//   - pump state: read/write, 1 byte (0/1)
//   - flow rate: read/notify, 4, 2 or 1 bytes depending on firmware revision
//   - error code: read/notify, 1 byte
//
// # Thread Safety
//
// Device and GattdClient are safe for concurrent use. Notification handlers
// run to completion against cached state and hand snapshots off to the
// coordinator without blocking.
package ble
