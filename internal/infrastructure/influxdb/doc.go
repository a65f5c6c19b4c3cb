// Package influxdb stores irrigation telemetry in InfluxDB.
//
// It is a thin wrapper over influxdb-client-go v2 that owns connection
// lifecycle, health checks, and the measurement schema the rest of the
// service writes: irrigation state snapshots (flow rate, session and
// lifetime volume, dry-run events) and per-device metrics.
//
// Connect is a no-op returning ErrDisabled when the config disables the
// backend, so callers can wire telemetry unconditionally and let
// deployments without InfluxDB run fine.
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil && !errors.Is(err, influxdb.ErrDisabled) {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("hydro-garden", "session_volume_l", 14.75)
//
// Writes go through the non-blocking batched write API; batch size and
// flush interval come from configuration, and asynchronous write errors
// surface through the SetOnError callback. All methods are safe for
// concurrent use.
package influxdb
