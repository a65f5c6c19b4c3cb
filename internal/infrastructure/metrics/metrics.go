// Package metrics exposes Prometheus instrumentation for hydrobridge.
//
// A Metrics instance owns its own registry, so tests can create isolated
// instances without collisions on the default global registry. The HTTP
// handler from Handler() is mounted by the API server at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	statesPublished *prometheus.CounterVec
	dryRunActive    *prometheus.GaugeVec
	commandsHandled *prometheus.CounterVec
	deviceConnected *prometheus.GaugeVec
	flowRate        *prometheus.GaugeVec
	totalVolume     *prometheus.GaugeVec
}

// New creates a Metrics instance with its own registry.
// Go runtime and process collectors are registered alongside the
// bridge instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		statesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydrobridge",
			Name:      "states_published_total",
			Help:      "Number of state snapshots distributed per device.",
		}, []string{"device_id"}),
		dryRunActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydrobridge",
			Name:      "dry_run_active",
			Help:      "Whether a dry-run condition is currently active (1) or not (0).",
		}, []string{"device_id"}),
		commandsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydrobridge",
			Name:      "commands_handled_total",
			Help:      "Number of pump commands processed, by command and outcome.",
		}, []string{"device_id", "command", "status"}),
		deviceConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydrobridge",
			Name:      "device_connected",
			Help:      "Whether the BLE controller is currently connected (1) or not (0).",
		}, []string{"device_id"}),
		flowRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydrobridge",
			Name:      "flow_lpm",
			Help:      "Last reported flow rate in litres per minute.",
		}, []string{"device_id"}),
		totalVolume: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydrobridge",
			Name:      "session_volume_litres",
			Help:      "Accumulated volume for the current watering session.",
		}, []string{"device_id"}),
	}
}

// Handler returns an http.Handler serving the metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatePublished records one distributed state snapshot.
func (m *Metrics) StatePublished(deviceID string) {
	m.statesPublished.WithLabelValues(deviceID).Inc()
}

// DryRunActive reports the current dry-run flag.
func (m *Metrics) DryRunActive(deviceID string, active bool) {
	m.dryRunActive.WithLabelValues(deviceID).Set(boolToGauge(active))
}

// CommandHandled records one processed pump command.
func (m *Metrics) CommandHandled(deviceID, command string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.commandsHandled.WithLabelValues(deviceID, command, status).Inc()
}

// DeviceConnected reports the current BLE connection state.
func (m *Metrics) DeviceConnected(deviceID string, connected bool) {
	m.deviceConnected.WithLabelValues(deviceID).Set(boolToGauge(connected))
}

// FlowRate reports the last decoded flow rate.
func (m *Metrics) FlowRate(deviceID string, lpm float64) {
	m.flowRate.WithLabelValues(deviceID).Set(lpm)
}

// SessionVolume reports the accumulated volume for the current session.
func (m *Metrics) SessionVolume(deviceID string, litres float64) {
	m.totalVolume.WithLabelValues(deviceID).Set(litres)
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
