package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteIrrigationState records an evaluated controller state snapshot.
//
// This is the primary method for recording irrigation telemetry. The write
// is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Unique identifier for the controller (e.g., "hydro-garden")
//   - pumpOn: Whether the pump is commanded on
//   - flowLPM: Measured flow rate in litres/minute (nil if no reading yet)
//   - flowDetected: Whether flow exceeds the detection threshold
//   - dryRun: Whether a dry-run condition is active
//   - totalVolumeL: Accumulated volume for the current session in litres
//   - errorCode: Resolved error code (0 = OK)
//   - timestamp: When the state was evaluated
func (c *Client) WriteIrrigationState(deviceID string, pumpOn bool, flowLPM *float64, flowDetected, dryRun bool, totalVolumeL float64, errorCode uint8, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"pump_on":        pumpOn,
		"flow_detected":  flowDetected,
		"dry_run":        dryRun,
		"total_volume_l": totalVolumeL,
		"error_code":     int64(errorCode),
	}
	if flowLPM != nil {
		fields["flow_lpm"] = *flowLPM
	}

	point := write.NewPoint(
		"irrigation",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		timestamp,
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceMetric writes a single device measurement to InfluxDB.
//
// Used for one-off numeric readings that don't warrant a full state point.
//
// Example:
//
//	client.WriteDeviceMetric("hydro-garden", "session_volume_l", 14.75)
func (c *Client) WriteDeviceMetric(deviceID string, measurement string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_metrics",
		map[string]string{
			"device_id":   deviceID,
			"measurement": measurement,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("bridge_stats",
//	    map[string]string{"host": "bridge-01"},
//	    map[string]interface{}{"frames_rx": 1052, "reconnects": 2})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
