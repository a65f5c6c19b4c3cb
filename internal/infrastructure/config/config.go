package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Gattd     GattdConfig     `yaml:"gattd"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BridgeConfig contains bridge identity settings.
type BridgeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// GattdConfig contains GATT proxy daemon connection settings.
type GattdConfig struct {
	// Connection is the daemon socket address.
	// Format: "unix:///run/gattd/socket" or "tcp://host:port"
	Connection string `yaml:"connection"`

	// ConnectTimeout bounds BLE connect requests through the daemon.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RequestTimeout bounds read/write/subscribe requests.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ReconnectInterval is the initial backoff delay after losing the
	// daemon socket.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// Daemon contains gattd lifecycle management settings.
	Daemon GattdDaemonConfig `yaml:"daemon"`
}

// GattdDaemonConfig contains settings for managing the gattd daemon.
type GattdDaemonConfig struct {
	// Managed indicates whether the bridge should manage gattd's lifecycle.
	// If false, gattd is expected to be running externally (e.g., as a
	// systemd service) at the configured connection address.
	Managed bool `yaml:"managed"`

	// Binary is the path to the gattd executable.
	// Default: "/usr/local/bin/gattd"
	Binary string `yaml:"binary"`

	// Adapter is the Bluetooth adapter gattd should claim (e.g., "hci0").
	Adapter string `yaml:"adapter"`

	// ListenTCP enables gattd's TCP listener.
	ListenTCP bool `yaml:"listen_tcp"`

	// TCPPort is the port for gattd's TCP listener. Default: 7120.
	TCPPort int `yaml:"tcp_port"`

	// UnixSocket is the path for gattd's Unix socket listener.
	UnixSocket string `yaml:"unix_socket"`

	// RestartOnFailure enables automatic restart if gattd crashes.
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the base delay before restart attempts.
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// HealthCheckInterval is how often the watchdog probes gattd.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// AdapterResetOnRetry power-cycles the Bluetooth adapter before
	// restart attempts. Requires the hciconfig utility.
	AdapterResetOnRetry bool `yaml:"adapter_reset_on_retry"`

	// LogLevel sets gattd's verbosity (0-5).
	LogLevel int `yaml:"log_level"`
}

// DeviceConfig describes one BLE irrigation controller.
type DeviceConfig struct {
	// ID is the registry identifier (e.g. "hydro-garden").
	ID string `yaml:"id"`

	// Name is the human-readable device name.
	Name string `yaml:"name"`

	// Address is the BLE MAC address.
	Address string `yaml:"address"`

	// DetectThreshold is the raw flow level in L/min the device layer
	// uses for its flow-detected flag. Default: 0.05.
	DetectThreshold float64 `yaml:"detect_threshold"`
}

// EvaluatorConfig contains derived-state tuning.
type EvaluatorConfig struct {
	// FlowThresholdLPM is the flow level in L/min above which flow counts
	// as detected for dry-run purposes. Default: 0.2.
	FlowThresholdLPM float64 `yaml:"flow_threshold_lpm"`

	// DryRunDelay is how long the pump may run without detected flow
	// before the dry-run fault is raised. Default: 5s.
	DryRunDelay time.Duration `yaml:"dry_run_delay"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HYDROBRIDGE_SECTION_KEY
// For example: HYDROBRIDGE_DATABASE_PATH, HYDROBRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:   "hydrobridge-001",
			Name: "Hydro Bridge",
		},
		Gattd: GattdConfig{
			Connection:        "unix:///run/gattd/socket",
			ConnectTimeout:    10 * time.Second,
			RequestTimeout:    5 * time.Second,
			ReconnectInterval: 5 * time.Second,
			Daemon: GattdDaemonConfig{
				Managed:             false,
				Binary:              "/usr/local/bin/gattd",
				Adapter:             "hci0",
				ListenTCP:           true,
				TCPPort:             7120,
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
				HealthCheckInterval: 30 * time.Second,
			},
		},
		Evaluator: EvaluatorConfig{
			FlowThresholdLPM: 0.2,
			DryRunDelay:      5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/hydrobridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hydrobridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HYDROBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("HYDROBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// gattd
	if v := os.Getenv("HYDROBRIDGE_GATTD_CONNECTION"); v != "" {
		cfg.Gattd.Connection = v
	}

	// MQTT
	if v := os.Getenv("HYDROBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HYDROBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HYDROBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("HYDROBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("HYDROBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bridge validation
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	// gattd validation. A managed daemon supplies its own connection URL,
	// so the address is only required when gattd runs externally.
	if c.Gattd.Connection == "" && !c.Gattd.Daemon.Managed {
		errs = append(errs, "gattd.connection is required when gattd.daemon.managed is false")
	}

	// Device validation
	if len(c.Devices) == 0 {
		errs = append(errs, "at least one device is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, dev := range c.Devices {
		if dev.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if seen[dev.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, dev.ID))
		}
		seen[dev.ID] = true
		if dev.Address == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].address is required", i))
		}
		if dev.DetectThreshold < 0 {
			errs = append(errs, fmt.Sprintf("devices[%d].detect_threshold must not be negative", i))
		}
	}

	// Evaluator validation
	if c.Evaluator.FlowThresholdLPM < 0 {
		errs = append(errs, "evaluator.flow_threshold_lpm must not be negative")
	}
	if c.Evaluator.DryRunDelay < 0 {
		errs = append(errs, "evaluator.dry_run_delay must not be negative")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
