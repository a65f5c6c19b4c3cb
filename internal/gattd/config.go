package gattd

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds the configuration for the gattd daemon.
type Config struct {
	// Managed indicates whether the bridge should manage gattd's lifecycle.
	// If false, gattd is expected to be running externally.
	Managed bool `yaml:"managed"`

	// Binary is the path to the gattd executable.
	// Default: "/usr/local/bin/gattd"
	Binary string `yaml:"binary"`

	// Adapter is the Bluetooth adapter gattd should claim.
	// Format: "hciN" (e.g., "hci0")
	// This is the -a flag for gattd.
	Adapter string `yaml:"adapter"`

	// ListenTCP enables TCP listening for clients.
	// Default: true (listens on 7120)
	ListenTCP bool `yaml:"listen_tcp"`

	// TCPPort is the port for TCP connections.
	// Default: 7120
	TCPPort int `yaml:"tcp_port"`

	// UnixSocket enables Unix socket listening.
	// Default: "/run/gattd.sock"
	UnixSocket string `yaml:"unix_socket"`

	// RestartOnFailure enables automatic restart if gattd crashes.
	// Default: true
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelay is the time to wait before restarting.
	// Default: 5s
	RestartDelay time.Duration `yaml:"restart_delay"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	// Default: 10
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// GracefulTimeout is how long to wait for graceful shutdown.
	// Default: 10s
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// HealthCheckInterval is how often to run watchdog health checks.
	// If gattd hangs (stops accepting connections), it will be killed and
	// restarted after 3 consecutive health check failures.
	// Default: 30s
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// AdapterResetOnRetry enables a Bluetooth adapter reset before restart
	// attempts. This helps recover from HCI controller lockups that a plain
	// process restart cannot fix. Requires the hciconfig utility.
	AdapterResetOnRetry bool `yaml:"adapter_reset_on_retry,omitempty"`

	// LogLevel sets gattd's verbosity.
	// Range: 0 (minimal) to 5 (maximum debug)
	// Default: 0
	LogLevel int `yaml:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults for a single
// local adapter.
func DefaultConfig() Config {
	return Config{
		Managed:            true,
		Binary:             "/usr/local/bin/gattd",
		Adapter:            "hci0",
		ListenTCP:          true,
		TCPPort:            7120,
		UnixSocket:         "/run/gattd.sock",
		RestartOnFailure:   true,
		RestartDelay:       5 * time.Second,
		MaxRestartAttempts: 10,
		GracefulTimeout:    10 * time.Second,
		LogLevel:           0,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("gattd binary path is required")
	}

	if err := validateAdapter(c.Adapter); err != nil {
		return fmt.Errorf("invalid adapter: %w", err)
	}

	if c.TCPPort < 1 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535")
	}

	if c.LogLevel < 0 || c.LogLevel > 5 {
		return fmt.Errorf("log_level must be between 0 and 5")
	}

	if !c.ListenTCP && c.UnixSocket == "" {
		return fmt.Errorf("at least one listener is required (listen_tcp or unix_socket)")
	}

	if c.UnixSocket != "" {
		if err := validateSafePathComponent(c.UnixSocket, "unix_socket"); err != nil {
			return err
		}
	}

	return nil
}

// BuildArgs constructs the command-line arguments for gattd.
func (c *Config) BuildArgs() []string {
	var args []string

	// Adapter (-a)
	args = append(args, "-a", c.Adapter)

	// Unix socket (-u)
	if c.UnixSocket != "" {
		args = append(args, "-u", c.UnixSocket)
	}

	// TCP server (-i) - required for the bridge to connect over TCP.
	// gattd uses --listen-tcp[=PORT] format, so we use -iPORT.
	if c.ListenTCP {
		args = append(args, fmt.Sprintf("-i%d", c.TCPPort))
	}

	// Verbosity
	if c.LogLevel > 0 {
		args = append(args, fmt.Sprintf("-f%d", c.LogLevel))
	}

	return args
}

// ConnectionURL returns the URL for connecting to gattd.
// This is the value passed to the BLE transport's dialer.
func (c *Config) ConnectionURL() string {
	if c.ListenTCP {
		return fmt.Sprintf("tcp://localhost:%d", c.TCPPort)
	}
	if c.UnixSocket != "" {
		return fmt.Sprintf("unix://%s", c.UnixSocket)
	}
	return "tcp://localhost:7120"
}

// Adapter name pattern: hci followed by an index.
var adapterPattern = regexp.MustCompile(`^hci\d{1,3}$`)

func validateAdapter(adapter string) error {
	if !adapterPattern.MatchString(adapter) {
		return fmt.Errorf("must be in format hciN (e.g., hci0)")
	}
	return nil
}

// safePathPattern allows alphanumeric, hyphen, underscore, forward slash,
// dot, and colon. This prevents shell metacharacters that could enable
// command injection.
var safePathPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-/:]+$`)

// validateSafePathComponent ensures a string doesn't contain shell metacharacters.
// This prevents command injection when the value is passed to subprocess arguments.
func validateSafePathComponent(value, fieldName string) error {
	if !safePathPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (allowed: alphanumeric, hyphen, underscore, dot, slash, colon)", fieldName)
	}
	for _, c := range []string{";", "|", "&", "$", "`", "(", ")", "{", "}", "<", ">", "!", "\\", "'", "\""} {
		if strings.Contains(value, c) {
			return fmt.Errorf("%s contains forbidden character %q", fieldName, c)
		}
	}
	return nil
}
