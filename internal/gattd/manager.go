package gattd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mossvale/hydrobridge/internal/process"
)

// Timeouts and intervals for gattd management.
const (
	// readyTimeout is how long to wait for gattd to accept connections after starting.
	readyTimeout = 30 * time.Second

	// readyPollInterval is how often to try connecting during readiness check.
	readyPollInterval = 100 * time.Millisecond

	// dialTimeout is the timeout for individual connection attempts.
	dialTimeout = 500 * time.Millisecond

	// pidFilePath is the default location for the gattd PID file.
	// This prevents multiple instances from running simultaneously.
	pidFilePath = "/var/run/hydrobridge-gattd.pid"

	// pidFileMode is the permission mode for the PID file.
	pidFileMode = 0600

	// pidFileFallbackPath is used if we can't write to /var/run
	pidFileFallbackPath = "/tmp/hydrobridge-gattd.pid"
)

// HealthError represents a health check failure with recoverability information.
// This allows the process manager to decide whether restarting will help.
type HealthError struct {
	// Layer is which health check layer failed (0-2)
	Layer int
	// Recoverable indicates if restarting the process might fix the issue
	Recoverable bool
	// Err is the underlying error
	Err error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("health check layer %d failed: %v", e.Layer, e.Err)
}

func (e *HealthError) Unwrap() error {
	return e.Err
}

// IsRecoverable implements the process.RecoverableError interface.
func (e *HealthError) IsRecoverable() bool {
	return e.Recoverable
}

// newHealthError creates a health check error for a specific layer.
func newHealthError(layer int, recoverable bool, err error) *HealthError {
	return &HealthError{
		Layer:       layer,
		Recoverable: recoverable,
		Err:         err,
	}
}

// Logger defines the logging interface for the gattd manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager manages the gattd daemon process.
type Manager struct {
	config  Config
	process *process.Manager
	logger  Logger

	// dStateCount tracks consecutive health checks where gattd is in D
	// (uninterruptible sleep) state. Reset to 0 when gattd returns to a
	// healthy state. Uses atomic.Int32 for thread-safe access from the
	// health check goroutine.
	dStateCount atomic.Int32

	// activePIDFilePath stores the path used when acquiring the PID file.
	// This ensures removePIDFile() removes the same file that was acquired,
	// even if /var/run permissions change at runtime.
	activePIDFilePath string
}

// NewManager creates a new gattd manager.
func NewManager(cfg Config) (*Manager, error) {
	// Apply defaults for zero values
	if cfg.Binary == "" {
		cfg.Binary = "/usr/local/bin/gattd"
	}
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.TCPPort == 0 {
		cfg.TCPPort = 7120
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartAttempts == 0 {
		cfg.MaxRestartAttempts = 10
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gattd config: %w", err)
	}

	m := &Manager{
		config: cfg,
		logger: noopLogger{},
	}

	return m, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the gattd daemon.
// It will block until gattd is ready to accept connections.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Managed {
		m.logger.Info("gattd management disabled, expecting external gattd")
		return nil
	}

	args := m.config.BuildArgs()

	m.logger.Info("starting gattd",
		"binary", m.config.Binary,
		"args", args,
		"adapter", m.config.Adapter,
	)

	procConfig := process.Config{
		Name:               "gattd",
		Binary:             m.config.Binary,
		Args:               args,
		RestartOnFailure:   m.config.RestartOnFailure,
		RestartDelay:       m.config.RestartDelay,
		MaxRestartAttempts: m.config.MaxRestartAttempts,
		GracefulTimeout:    m.config.GracefulTimeout,
		OnStart: func() {
			m.logger.Info("gattd process started", "pid", m.process.PID())
		},
		OnStop: func(err error) {
			if err != nil {
				m.logger.Warn("gattd process stopped", "error", err)
			} else {
				m.logger.Info("gattd process stopped")
			}
		},
		OnRestart: func(attempt int) {
			m.logger.Info("gattd restarting", "attempt", attempt)
			// Reset the Bluetooth adapter before restart if configured
			if m.config.AdapterResetOnRetry {
				if err := m.resetAdapter(); err != nil {
					m.logger.Warn("adapter reset failed before restart", "error", err)
				}
			}
		},
		// Watchdog: periodic health check to detect hung gattd
		HealthCheckInterval: m.config.HealthCheckInterval,
		HealthCheckFunc: func(ctx context.Context) error {
			return m.HealthCheck(ctx)
		},
	}

	m.process = process.NewManager(procConfig)
	m.process.SetLogger(m.logger)

	if err := m.process.Start(ctx); err != nil {
		return fmt.Errorf("starting gattd: %w", err)
	}

	// Wait for gattd to accept connections on its listener
	if err := m.waitForReady(ctx); err != nil {
		// Stop the process if it didn't become ready
		if stopErr := m.process.Stop(); stopErr != nil {
			m.logger.Warn("error stopping gattd after failed readiness check", "error", stopErr)
		}
		return fmt.Errorf("gattd failed to become ready: %w", err)
	}

	// Atomically acquire PID file to prevent duplicate instances.
	// This is done AFTER gattd starts so we have the real PID.
	pid := m.process.PID()
	if pid > 0 {
		if err := m.acquirePIDFile(pid); err != nil {
			// Another instance started between our check - stop this one
			m.logger.Error("failed to acquire PID file, stopping duplicate instance", "error", err)
			_ = m.process.Stop() //nolint:errcheck // Error ignored - we're already handling a fatal error
			return fmt.Errorf("cannot start: %w", err)
		}
	}

	m.logger.Info("gattd ready",
		"connection_url", m.config.ConnectionURL(),
		"adapter", m.config.Adapter,
	)

	return nil
}

// listenerAddr returns the network and address of gattd's primary listener.
func (m *Manager) listenerAddr() (network, address string) {
	if m.config.ListenTCP {
		return "tcp", fmt.Sprintf("localhost:%d", m.config.TCPPort)
	}
	return "unix", m.config.UnixSocket
}

// waitForReady waits for gattd to be ready to accept connections.
func (m *Manager) waitForReady(ctx context.Context) error {
	network, addr := m.listenerAddr()
	deadline := time.Now().Add(readyTimeout)

	m.logger.Debug("waiting for gattd to be ready", "network", network, "address", addr)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for gattd: %w", ctx.Err())
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for gattd on %s after %v", addr, readyTimeout)
		}

		// Check if process is still running
		if !m.process.IsRunning() {
			lastErr := m.process.LastError()
			if lastErr != nil {
				return fmt.Errorf("gattd process exited: %w", lastErr)
			}
			return errors.New("gattd process exited unexpectedly")
		}

		// Try to connect
		conn, err := net.DialTimeout(network, addr, dialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}

		time.Sleep(readyPollInterval)
	}
}

// Stop gracefully stops the gattd daemon.
func (m *Manager) Stop() error {
	if !m.config.Managed || m.process == nil {
		return nil
	}

	m.logger.Info("stopping gattd")

	// Stop the process first, then remove PID file.
	// This prevents a race where a new instance could start before the old
	// one has fully released resources (listener socket, HCI adapter).
	err := m.process.Stop()

	m.removePIDFile()

	return err
}

// IsRunning returns true if gattd is currently running.
func (m *Manager) IsRunning() bool {
	if !m.config.Managed {
		// If not managed, assume external gattd is running
		return true
	}
	if m.process == nil {
		return false
	}
	return m.process.IsRunning()
}

// IsManaged returns true if this manager is controlling gattd.
func (m *Manager) IsManaged() bool {
	return m.config.Managed
}

// ConnectionURL returns the URL for connecting to gattd.
func (m *Manager) ConnectionURL() string {
	return m.config.ConnectionURL()
}

// Stats returns current statistics for gattd.
func (m *Manager) Stats() Stats {
	stats := Stats{
		Managed:       m.config.Managed,
		Adapter:       m.config.Adapter,
		ConnectionURL: m.config.ConnectionURL(),
	}

	if m.process != nil {
		procStats := m.process.Stats()
		stats.Status = string(procStats.Status)
		stats.PID = procStats.PID
		stats.Uptime = procStats.Uptime
		stats.RestartCount = procStats.RestartCount
		stats.LastError = procStats.LastError
	} else if !m.config.Managed {
		stats.Status = "external"
	} else {
		stats.Status = "stopped"
	}

	return stats
}

// Stats holds statistics about the gattd daemon.
type Stats struct {
	Managed       bool          `json:"managed"`
	Status        string        `json:"status"`
	Adapter       string        `json:"adapter"`
	ConnectionURL string        `json:"connection_url"`
	PID           int           `json:"pid,omitempty"`
	Uptime        time.Duration `json:"uptime,omitempty"`
	RestartCount  int           `json:"restart_count"`
	LastError     string        `json:"last_error,omitempty"`
}

// HealthCheck verifies gattd is healthy using a multi-layer approach.
//
// Layers:
//   - Layer 0: Bluetooth adapter presence via sysfs
//   - Layer 1: Process state via /proc
//   - Layer 2: Listener probe (socket accept)
//
// Layer 0 failures are NOT recoverable: if the adapter hardware is gone,
// restarting gattd won't bring it back. Layers 1 and 2 are recoverable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if !m.config.Managed {
		return nil
	}

	// Layer 0: adapter presence check. Fastest check, catches adapter
	// removal (USB dongle unplugged, rfkill) immediately.
	if err := m.checkAdapterPresent(ctx); err != nil {
		return newHealthError(0, false, err)
	}

	// Layer 1: Verify process state via /proc (fast, catches SIGSTOP/zombie)
	if m.process != nil {
		pid := m.process.PID()
		if pid > 0 {
			if err := m.checkProcessState(pid); err != nil {
				return newHealthError(1, true, err)
			}
		}
	}

	// Layer 2: Listener probe. Catches a hung gattd whose process is alive
	// but no longer servicing its socket.
	if err := m.checkListener(ctx); err != nil {
		return newHealthError(2, true, err)
	}

	return nil
}

// checkAdapterPresent verifies the Bluetooth adapter is registered with the
// kernel. This is Layer 0 of the health check. The adapter appears under
// /sys/class/bluetooth when the HCI device is attached.
func (m *Manager) checkAdapterPresent(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("adapter check cancelled: %w", err)
	}

	sysfsPath := "/sys/class/bluetooth/" + m.config.Adapter
	if _, err := os.Stat(sysfsPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("bluetooth adapter %s not present", m.config.Adapter)
		}
		return fmt.Errorf("checking adapter %s: %w", m.config.Adapter, err)
	}

	return nil
}

// checkListener dials gattd's listener and closes the connection. A
// successful accept means the daemon's event loop is still servicing I/O.
func (m *Manager) checkListener(ctx context.Context) error {
	network, addr := m.listenerAddr()

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("listener probe failed (%s %s): %w", network, addr, err)
	}
	conn.Close()

	return nil
}

// checkProcessState reads /proc/PID/stat to verify the process is in a healthy state.
// Returns an error if the process is stopped (T), traced (t), zombie (Z), or dead (X/x).
func (m *Manager) checkProcessState(pid int) error {
	// Read /proc/PID/stat which contains process state as the 3rd field
	// Format: pid (comm) state ...
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(statPath)
	if err != nil {
		// Process might have just exited
		return fmt.Errorf("cannot read process state: %w", err)
	}

	// Parse the stat file. The state is the 3rd field, after "(comm)"
	statStr := string(data)
	closeParenIdx := strings.LastIndex(statStr, ")")
	if closeParenIdx == -1 || closeParenIdx+2 >= len(statStr) {
		return fmt.Errorf("invalid /proc/stat format")
	}

	fields := strings.Fields(statStr[closeParenIdx+2:])
	if len(fields) < 1 {
		return fmt.Errorf("invalid /proc/stat format: no state field")
	}

	state := fields[0]

	// Process states (from proc(5) man page):
	// R = running, S = sleeping, D = disk sleep (uninterruptible)
	// T = stopped (SIGSTOP), t = tracing stop
	// Z = zombie, X/x = dead
	switch state {
	case "T", "t":
		return fmt.Errorf("gattd process is stopped (state=%s)", state)
	case "Z":
		return fmt.Errorf("gattd process is zombie (state=%s)", state)
	case "X", "x":
		return fmt.Errorf("gattd process is dead (state=%s)", state)
	case "D":
		// D (uninterruptible sleep) is usually temporary (USB/HCI I/O).
		// However, if gattd is stuck in D-state for multiple health checks,
		// the adapter is likely hung and needs recovery.
		count := m.dStateCount.Add(1)
		if count >= 3 {
			return fmt.Errorf("gattd process stuck in uninterruptible sleep (state=D, count=%d)", count)
		}
		m.logger.Debug("gattd process in uninterruptible sleep (state=D)", "count", count)
		return nil
	default:
		// R, S, I are all healthy states - reset D-state counter
		m.dStateCount.Store(0)
		return nil
	}
}

// resetAdapterWithContext power-cycles the Bluetooth adapter using the
// hciconfig utility. This helps recover from HCI controller lockups where
// restarting gattd alone is not enough.
//
// The parent context is respected to allow clean shutdown during reset.
func (m *Manager) resetAdapterWithContext(ctx context.Context) error {
	adapter := m.config.Adapter
	m.logger.Info("resetting bluetooth adapter", "adapter", adapter)

	const adapterResetTimeout = 10 * time.Second
	resetCtx, cancel := context.WithTimeout(ctx, adapterResetTimeout)
	defer cancel()

	cmd := exec.CommandContext(resetCtx, "hciconfig", adapter, "reset")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if resetCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("adapter reset timed out after %v", adapterResetTimeout)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("adapter reset cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("hciconfig reset failed: %w (output: %s)", err, string(output))
	}

	m.logger.Info("bluetooth adapter reset successful", "adapter", adapter)

	// Brief delay to allow the controller to fully reinitialise
	time.Sleep(500 * time.Millisecond)

	return nil
}

// resetAdapter resets the adapter without a context (uses background context).
// Used by the OnRestart callback which doesn't have access to a context.
func (m *Manager) resetAdapter() error {
	return m.resetAdapterWithContext(context.Background())
}

// ResetAdapter is the public method to manually reset the Bluetooth adapter.
// This can be called externally when HCI issues are detected.
func (m *Manager) ResetAdapter() error {
	return m.resetAdapter()
}

// getPIDFilePath returns the path for the PID file, preferring /var/run but
// falling back to /tmp if that's not writable.
func (m *Manager) getPIDFilePath() string {
	// Try /var/run first (standard location for daemon PID files)
	if f, err := os.OpenFile(pidFilePath, os.O_CREATE|os.O_WRONLY, pidFileMode); err == nil {
		f.Close()
		os.Remove(pidFilePath) // Remove the test file
		return pidFilePath
	}
	// Fall back to /tmp
	return pidFileFallbackPath
}

// acquirePIDFile atomically creates the PID file and writes our PID.
// This uses O_EXCL to ensure no race condition between checking for existing
// instances and claiming the PID file.
//
// Returns nil on success (PID file created with our PID).
// Returns an error if another instance is already running.
func (m *Manager) acquirePIDFile(pid int) error {
	return m.acquirePIDFileWithRetry(pid, 0)
}

// maxPIDFileRetries limits recursion depth for PID file acquisition.
const maxPIDFileRetries = 3

// acquirePIDFileWithRetry implements PID file acquisition with bounded retries.
func (m *Manager) acquirePIDFileWithRetry(pid int, attempt int) error {
	if attempt >= maxPIDFileRetries {
		return fmt.Errorf("failed to acquire PID file after %d attempts", maxPIDFileRetries)
	}

	// Determine path once on first attempt and store it.
	// This ensures removePIDFile() uses the same path even if /var/run permissions change.
	if attempt == 0 {
		m.activePIDFilePath = m.getPIDFilePath()
	}
	pidFile := m.activePIDFilePath
	content := fmt.Sprintf("%d\n", pid)

	// Try atomic exclusive create - fails if file already exists
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, pidFileMode)
	if err == nil {
		// Success - we got the lock, write our PID
		defer f.Close()
		if _, writeErr := f.WriteString(content); writeErr != nil {
			os.Remove(pidFile)
			return fmt.Errorf("writing PID file: %w", writeErr)
		}
		m.logger.Debug("acquired PID file", "path", pidFile, "pid", pid)
		return nil
	}

	// File exists - check if it's stale
	if !os.IsExist(err) {
		return fmt.Errorf("creating PID file %s: %w", pidFile, err)
	}

	// Read existing PID
	data, readErr := os.ReadFile(pidFile)
	if readErr != nil {
		// Can't read it, try to remove and retry
		os.Remove(pidFile)
		return m.acquirePIDFileWithRetry(pid, attempt+1)
	}

	pidStr := strings.TrimSpace(string(data))
	existingPID, parseErr := strconv.Atoi(pidStr)
	if parseErr != nil {
		// Invalid PID file, remove and retry
		m.logger.Warn("removing invalid PID file", "path", pidFile, "content", pidStr)
		os.Remove(pidFile)
		return m.acquirePIDFileWithRetry(pid, attempt+1)
	}

	// Check if the existing PID is still alive
	if !m.isGattdProcessAlive(existingPID) {
		// Stale PID file, remove and retry
		m.logger.Info("removing stale PID file", "path", pidFile, "stale_pid", existingPID)
		os.Remove(pidFile)
		return m.acquirePIDFileWithRetry(pid, attempt+1)
	}

	// Another gattd instance is actually running
	return fmt.Errorf("another gattd instance is already running (PID %d, file %s)", existingPID, pidFile)
}

// isGattdProcessAlive checks if a process with the given PID is running and is gattd.
func (m *Manager) isGattdProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds - send signal 0 to check if alive
	if signalErr := proc.Signal(syscall.Signal(0)); signalErr != nil {
		return false // Process is dead
	}

	// Process is alive - verify it's actually gattd
	commPath := fmt.Sprintf("/proc/%d/comm", pid)
	commData, err := os.ReadFile(commPath)
	if err != nil {
		// Can't verify identity, assume it's not our gattd
		return false
	}

	comm := strings.TrimSpace(string(commData))
	return comm == "gattd"
}

// removePIDFile removes the PID file if it exists.
func (m *Manager) removePIDFile() {
	// Use the stored path from acquisition, not a fresh determination.
	// This ensures we remove the same file we created, even if /var/run permissions changed.
	pidFile := m.activePIDFilePath
	if pidFile == "" {
		return // Never acquired a PID file
	}
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove PID file", "path", pidFile, "error", err)
	} else if err == nil {
		m.logger.Debug("removed PID file", "path", pidFile)
	}
	m.activePIDFilePath = "" // Clear after removal
}
