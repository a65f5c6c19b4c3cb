// Package coordinator distributes device snapshots to downstream observers.
//
// The coordinator sits between the BLE device layer and everything that
// consumes device state: MQTT, the device registry, time-series storage,
// metrics, and in-process listeners (the operator API). It implements
// ble.Publisher with a latest-wins handoff — a snapshot published from the
// transport's callback context is staged in a single-slot channel and
// consumed by the coordinator's own run loop, so producers never block and
// observers never run on the transport goroutine.
//
// Before distribution, each raw snapshot passes through the Evaluator,
// which computes the derived dry-run flag and resolves a single prioritized
// error code:
//
//	transport callback                 run loop
//	──────────────────                 ────────
//	Publish(snapshot) ──► [slot] ──► Evaluate ──► State ──► MQTT
//	                                                   ├──► registry
//	                                                   ├──► time-series
//	                                                   ├──► metrics
//	                                                   └──► listeners
//
// The coordinator also owns the inbound command boundary: it subscribes to
// the per-device MQTT command topic, translates command messages into pump
// operations, and publishes acknowledgments.
//
// Thread Safety: Publish is safe from any goroutine. All observer delivery
// happens serialized on the run loop.
package coordinator
