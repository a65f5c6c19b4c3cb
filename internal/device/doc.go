// Package device is the catalogue of BLE irrigation controllers the
// bridge manages.
//
// Registry is the single entry point: it fronts a Repository with an
// in-memory cache and hands out deep copies, so callers can hold device
// snapshots without racing writers. The SQLite repository persists
// devices as JSON documents and patches state and health columns
// in place; validation covers BLE MAC addresses, slugs, and the device
// config schema before anything reaches storage.
//
// The REST API reads and mutates devices through the registry, and the
// coordinator writes evaluated state and health back into it:
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	dev := &device.Device{
//	    Name:    "Garden Bed Controller",
//	    Address: "AA:BB:CC:DD:EE:FF",
//	}
//	if err := registry.CreateDevice(ctx, dev); err != nil {
//	    return err
//	}
//
//	registry.SetDeviceState(ctx, id, device.State{"pump_on": true, "flow_lpm": 3.2})
//
// All Registry operations are safe for concurrent use; Repository
// implementations must be too.
package device
