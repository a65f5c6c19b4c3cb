// hydrobridge - BLE irrigation controller bridge
//
// This is the main entry point for the hydro bridge daemon. It connects
// BLE irrigation controllers (via the gattd proxy daemon) to the host
// automation platform over MQTT, with SQLite-backed device registry,
// optional InfluxDB telemetry, Prometheus metrics, and an operator HTTP
// API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mossvale/hydrobridge/migrations"

	"github.com/mossvale/hydrobridge/internal/api"
	"github.com/mossvale/hydrobridge/internal/audit"
	"github.com/mossvale/hydrobridge/internal/bridges/ble"
	"github.com/mossvale/hydrobridge/internal/coordinator"
	"github.com/mossvale/hydrobridge/internal/device"
	"github.com/mossvale/hydrobridge/internal/gattd"
	"github.com/mossvale/hydrobridge/internal/infrastructure/config"
	"github.com/mossvale/hydrobridge/internal/infrastructure/database"
	"github.com/mossvale/hydrobridge/internal/infrastructure/influxdb"
	"github.com/mossvale/hydrobridge/internal/infrastructure/logging"
	"github.com/mossvale/hydrobridge/internal/infrastructure/metrics"
	"github.com/mossvale/hydrobridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting hydrobridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry and audit trail
	auditRepo := audit.NewSQLiteRepository(db.DB)
	deviceRepo := device.NewSQLiteRepository(db.DB)
	deviceRegistry := device.NewRegistry(deviceRepo)
	deviceRegistry.SetLogger(log)

	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}

	// Reconcile configured devices into the registry
	if syncErr := syncDevices(ctx, deviceRegistry, cfg.Devices); syncErr != nil {
		return fmt.Errorf("syncing configured devices: %w", syncErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.GetDeviceCount())

	// Start the gattd daemon if the bridge manages its lifecycle
	gattdManager, err := startGattd(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("starting gattd: %w", err)
	}
	if gattdManager != nil {
		defer func() {
			log.Info("stopping gattd")
			if stopErr := gattdManager.Stop(); stopErr != nil {
				log.Error("error stopping gattd", "error", stopErr)
			}
		}()
	}

	// Determine the gattd connection URL:
	// - If gattd is managed, use its connection URL
	// - Otherwise, use the configured address
	gattdConn := cfg.Gattd.Connection
	if gattdManager != nil {
		gattdConn = gattdManager.ConnectionURL()
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Prometheus instruments, exposed at /metrics by the API server
	bridgeMetrics := metrics.New()

	// Build one transport + device + coordinator trio per configured device
	for _, devCfg := range cfg.Devices {
		stopDevice, startErr := startDevice(ctx, cfg, devCfg, deviceParts{
			gattdConn: gattdConn,
			mqtt:      mqttClient,
			registry:  deviceRegistry,
			influx:    influxClient,
			metrics:   bridgeMetrics,
			logger:    log,
		})
		if startErr != nil {
			return fmt.Errorf("starting device %s: %w", devCfg.ID, startErr)
		}
		defer stopDevice()
	}

	// Start the operator HTTP API
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			Logger:   log,
			Registry: deviceRegistry,
			MQTT:     mqttClient,
			Metrics:  bridgeMetrics.Handler(),
			Audit:    auditRepo,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, coordinators + devices, InfluxDB, MQTT, database.

	log.Info("hydrobridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses HYDROBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HYDROBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// syncDevices reconciles devices declared in the config file into the
// registry. Configured devices are created on first start and updated when
// their name, address, or threshold changes; devices created through the
// API are left alone.
func syncDevices(ctx context.Context, registry *device.Registry, configured []config.DeviceConfig) error {
	for _, dc := range configured {
		name := dc.Name
		if name == "" {
			name = dc.ID
		}

		existing, err := registry.GetDevice(ctx, dc.ID)
		if errors.Is(err, device.ErrDeviceNotFound) {
			created := &device.Device{
				ID:              dc.ID,
				Name:            name,
				Address:         dc.Address,
				DetectThreshold: dc.DetectThreshold,
			}
			if createErr := registry.CreateDevice(ctx, created); createErr != nil {
				return fmt.Errorf("creating device %s: %w", dc.ID, createErr)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("looking up device %s: %w", dc.ID, err)
		}

		if existing.Name == name && existing.Address == dc.Address && existing.DetectThreshold == dc.DetectThreshold {
			continue
		}
		existing.Name = name
		existing.Address = dc.Address
		existing.DetectThreshold = dc.DetectThreshold
		if updateErr := registry.UpdateDevice(ctx, existing); updateErr != nil {
			return fmt.Errorf("updating device %s: %w", dc.ID, updateErr)
		}
	}
	return nil
}

// startGattd initialises and starts the gattd daemon when the bridge
// manages its lifecycle. Returns nil without error when gattd runs
// externally.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - cfg: Application configuration
//   - log: Logger instance
//
// Returns:
//   - *gattd.Manager: Running gattd manager, or nil if unmanaged
//   - error: If gattd fails to start
func startGattd(ctx context.Context, cfg *config.Config, log *logging.Logger) (*gattd.Manager, error) {
	if !cfg.Gattd.Daemon.Managed {
		return nil, nil
	}

	// Convert config types
	gattdCfg := gattd.Config{
		Managed:             true,
		Binary:              cfg.Gattd.Daemon.Binary,
		Adapter:             cfg.Gattd.Daemon.Adapter,
		ListenTCP:           cfg.Gattd.Daemon.ListenTCP,
		TCPPort:             cfg.Gattd.Daemon.TCPPort,
		UnixSocket:          cfg.Gattd.Daemon.UnixSocket,
		RestartOnFailure:    cfg.Gattd.Daemon.RestartOnFailure,
		RestartDelay:        time.Duration(cfg.Gattd.Daemon.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts:  cfg.Gattd.Daemon.MaxRestartAttempts,
		HealthCheckInterval: cfg.Gattd.Daemon.HealthCheckInterval,
		AdapterResetOnRetry: cfg.Gattd.Daemon.AdapterResetOnRetry,
		LogLevel:            cfg.Gattd.Daemon.LogLevel,
	}

	manager, err := gattd.NewManager(gattdCfg)
	if err != nil {
		return nil, fmt.Errorf("creating gattd manager: %w", err)
	}
	manager.SetLogger(log)

	log.Info("starting gattd",
		"binary", gattdCfg.Binary,
		"adapter", gattdCfg.Adapter,
	)

	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting gattd: %w", err)
	}

	log.Info("gattd started",
		"connection_url", manager.ConnectionURL(),
		"managed", manager.IsManaged(),
	)

	return manager, nil
}

// deviceParts bundles the shared collaborators for startDevice.
type deviceParts struct {
	gattdConn string
	mqtt      *mqtt.Client
	registry  *device.Registry
	influx    *influxdb.Client
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// startDevice wires up one BLE controller: gattd transport, device state
// machine, and push coordinator. It returns a stop function that tears the
// trio down in reverse order.
func startDevice(ctx context.Context, cfg *config.Config, devCfg config.DeviceConfig, parts deviceParts) (func(), error) {
	log := parts.logger.With("device_id", devCfg.ID)

	// Each device gets its own gattd session: the daemon multiplexes one
	// device per client connection.
	transport, err := ble.Dial(ctx, ble.GattdConfig{
		Connection:        parts.gattdConn,
		ConnectTimeout:    cfg.Gattd.ConnectTimeout,
		RequestTimeout:    cfg.Gattd.RequestTimeout,
		ReconnectInterval: cfg.Gattd.ReconnectInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("dialling gattd: %w", err)
	}
	transport.SetLogger(log)

	// The device publishes into the coordinator, and the coordinator
	// executes commands against the device. Break the cycle with a proxy
	// that is bound before the first snapshot can flow.
	proxy := &publisherProxy{}

	dev, err := ble.NewDevice(ble.DeviceOptions{
		Config: ble.DeviceConfig{
			ID:              devCfg.ID,
			Name:            devCfg.Name,
			Address:         devCfg.Address,
			DetectThreshold: devCfg.DetectThreshold,
		},
		Transport: transport,
		Publisher: proxy,
		Logger:    log,
	})
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("creating device: %w", err)
	}

	evaluator := coordinator.NewEvaluator(coordinator.EvaluatorOptions{
		FlowThresholdLPM: cfg.Evaluator.FlowThresholdLPM,
		DryRunDelay:      cfg.Evaluator.DryRunDelay,
	})

	var telemetry coordinator.TelemetryWriter
	if parts.influx != nil {
		telemetry = &influxTelemetryWriter{client: parts.influx}
	}

	coord, err := coordinator.New(coordinator.Options{
		DeviceID:   devCfg.ID,
		Evaluator:  evaluator,
		MQTT:       &mqttCoordinatorAdapter{client: parts.mqtt},
		Registry:   &registryStateStore{registry: parts.registry},
		Telemetry:  telemetry,
		Metrics:    parts.metrics,
		Controller: dev,
		Logger:     log,
	})
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}
	proxy.bind(coord)

	if err := coord.Start(); err != nil {
		transport.Close()
		return nil, fmt.Errorf("starting coordinator: %w", err)
	}

	// Session keeper: connect now and reconnect whenever the session drops.
	sessionCtx, cancelSession := context.WithCancel(ctx)
	go maintainSession(sessionCtx, dev, cfg.Gattd.ReconnectInterval, log)

	stop := func() {
		cancelSession()
		coord.Stop()

		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		dev.Disconnect(disconnectCtx)
		cancel()

		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing transport", "error", closeErr)
		}
	}
	return stop, nil
}

// maintainSession keeps the BLE session alive: the transport reports
// session loss but never re-establishes it, so the bridge owns the retry
// policy.
func maintainSession(ctx context.Context, dev *ble.Device, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		if !dev.Connected() {
			if err := dev.Connect(ctx); err != nil {
				log.Warn("device connect failed, will retry",
					"retry_in", interval.String(),
					"error", err,
				)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// publisherProxy defers snapshot delivery until the coordinator exists.
// bind must be called before the device's first Connect.
type publisherProxy struct {
	coord *coordinator.Coordinator
}

func (p *publisherProxy) bind(c *coordinator.Coordinator) {
	p.coord = c
}

// Publish implements ble.Publisher.
func (p *publisherProxy) Publish(snapshot ble.Snapshot) {
	if p.coord != nil {
		p.coord.Publish(snapshot)
	}
}

// mqttCoordinatorAdapter adapts the infrastructure MQTT client to the
// coordinator's MQTTClient interface. The difference is the Subscribe
// handler signature:
// - Infrastructure mqtt: func(topic string, payload []byte) error
// - Coordinator expects: func(topic string, payload []byte)
type mqttCoordinatorAdapter struct {
	client *mqtt.Client
}

// Publish implements coordinator.MQTTClient.
func (a *mqttCoordinatorAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements coordinator.MQTTClient.
func (a *mqttCoordinatorAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (coordinator handlers
	// report failures through acks, not subscription errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements coordinator.MQTTClient.
func (a *mqttCoordinatorAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// registryStateStore adapts the device registry to the coordinator's
// StateStore interface (plain map and string types at the boundary).
type registryStateStore struct {
	registry *device.Registry
}

// SetDeviceState implements coordinator.StateStore.
func (s *registryStateStore) SetDeviceState(ctx context.Context, id string, state map[string]any) error {
	return s.registry.SetDeviceState(ctx, id, device.State(state))
}

// SetDeviceHealth implements coordinator.StateStore.
func (s *registryStateStore) SetDeviceHealth(ctx context.Context, id string, status string) error {
	return s.registry.SetDeviceHealth(ctx, id, device.HealthStatus(status))
}

// influxTelemetryWriter adapts the InfluxDB client to the coordinator's
// TelemetryWriter interface.
type influxTelemetryWriter struct {
	client *influxdb.Client
}

// WriteState implements coordinator.TelemetryWriter.
func (w *influxTelemetryWriter) WriteState(state coordinator.State) {
	w.client.WriteIrrigationState(
		state.DeviceID,
		state.PumpOn,
		state.FlowLPM,
		state.FlowDetected,
		state.DryRun,
		state.TotalVolumeL,
		state.ErrorCode,
		state.Timestamp,
	)
}
