package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the lifecycle state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// outputBufferSize sizes the read buffer for subprocess stdout/stderr.
const outputBufferSize = 4096

// Config describes a subprocess to supervise.
type Config struct {
	// Name identifies the process in log output.
	Name string

	// Binary is the executable path.
	Binary string

	// Args are passed to the binary verbatim.
	Args []string

	// Env adds environment variables (key=value) on top of the parent
	// environment. Nil inherits the parent environment unchanged.
	Env []string

	// WorkDir is the working directory; empty inherits the parent's.
	WorkDir string

	// RestartOnFailure restarts the process after unexpected exits.
	RestartOnFailure bool

	// RestartDelay is the base delay before the first restart attempt.
	// Subsequent attempts back off exponentially up to MaxRestartDelay.
	RestartDelay time.Duration

	// MaxRestartDelay caps the exponential backoff between restart attempts.
	// Default: 5m
	MaxRestartDelay time.Duration

	// StableThreshold is how long the process must run before the restart
	// counter resets. A process that keeps crashing inside this window
	// consumes restart attempts; one that runs past it is considered
	// recovered. Default: 2m
	StableThreshold time.Duration

	// MaxRestartAttempts bounds restart attempts; 0 is unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is the SIGTERM grace period before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc, when set, runs periodically as a watchdog. A nil
	// func means a running process is considered healthy.
	HealthCheckFunc func(ctx context.Context) error

	// HealthCheckInterval is the watchdog period.
	HealthCheckInterval time.Duration

	// OnStart fires after a successful start, including restarts.
	OnStart func()

	// OnStop fires when the process stops, with the exit error if any.
	OnStop func(err error)

	// OnRestart fires before each restart attempt.
	OnRestart func(attempt int)
}

// DefaultConfig returns a Config with the standard supervision defaults.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:                name,
		Binary:              binary,
		Args:                args,
		RestartOnFailure:    true,
		RestartDelay:        5 * time.Second,
		MaxRestartAttempts:  10,
		GracefulTimeout:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Logger is the logging surface the manager needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecoverableError is implemented by errors that know whether restarting
// the process might fix them. Health check errors use this to distinguish
// a hung daemon (restart helps) from missing hardware (restart won't).
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether restarting the process might resolve err.
// Errors that don't implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// Manager supervises one subprocess: start, output capture, watchdog
// health checks, restart with backoff, and graceful stop.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	// done closes when the monitor goroutine exits.
	done chan struct{}
}

// NewManager builds a manager, filling zero-valued durations with the
// package defaults.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = 2 * time.Minute
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger replaces the default no-op logger.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the subprocess and begins supervising it. Restarts
// happen automatically per the config after this returns.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		m.mu.Unlock()
		return err
	}

	go m.monitor(ctx)

	return nil
}

func (m *Manager) startProcess(ctx context.Context) error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // Binary path is validated by the owning config before Start

	// New process group so shutdown can signal children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	go m.captureOutput("stdout", stdout)
	go m.captureOutput("stderr", stderr)

	m.logger.Info("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)

	if m.config.OnStart != nil {
		m.config.OnStart()
	}

	return nil
}

// captureOutput drains one of the subprocess output streams into the log.
func (m *Manager) captureOutput(stream string, r io.Reader) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.logger.Debug("process output",
				"name", m.config.Name,
				"stream", stream,
				"output", string(buf[:n]),
			)
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("output stream closed",
					"name", m.config.Name,
					"stream", stream,
				)
			}
			return
		}
	}
}

// waitForExitOrHealthFailure blocks until the subprocess exits or the
// health watchdog gives up on it. A process that stops answering health
// checks is killed so the restart loop can bring up a fresh one.
func (m *Manager) waitForExitOrHealthFailure(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if m.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	const maxConsecutiveFailures = 3

	for {
		select {
		case err := <-exitCh:
			return err

		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := m.config.HealthCheckFunc(checkCtx)
			cancel()

			if err != nil {
				consecutiveFailures++
				m.logger.Warn("health check failed",
					"name", m.config.Name,
					"error", err,
					"consecutive_failures", consecutiveFailures,
				)

				if consecutiveFailures >= maxConsecutiveFailures {
					m.logger.Error("health check failed repeatedly, killing process",
						"name", m.config.Name,
						"failures", consecutiveFailures,
					)

					if cmd.Process != nil {
						cmd.Process.Kill()
					}

					select {
					case exitErr := <-exitCh:
						if exitErr != nil {
							return fmt.Errorf("killed due to health check failure: %w", exitErr)
						}
						return fmt.Errorf("killed due to health check failure after %d consecutive failures", consecutiveFailures)
					case <-time.After(5 * time.Second):
						return fmt.Errorf("process did not exit after kill (health check failure)")
					}
				}
			} else {
				if consecutiveFailures > 0 {
					m.logger.Info("health check recovered",
						"name", m.config.Name,
						"previous_failures", consecutiveFailures,
					)
				}
				consecutiveFailures = 0
			}
		}
	}
}

// monitor owns the restart loop: it waits for the subprocess to die,
// decides whether the death warrants a restart, and backs off between
// attempts.
func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()

		if cmd == nil {
			return
		}

		err := m.waitForExitOrHealthFailure(ctx, cmd)

		m.mu.Lock()
		stopRequested := m.stopRequested
		m.mu.Unlock()

		if stopRequested {
			m.logger.Info("process stopped as requested", "name", m.config.Name)
			m.mu.Lock()
			m.status = StatusStopped
			m.mu.Unlock()
			if m.config.OnStop != nil {
				m.config.OnStop(nil)
			}
			return
		}

		m.logger.Warn("process exited unexpectedly",
			"name", m.config.Name,
			"error", err,
		)

		m.mu.Lock()
		m.lastError = err
		m.status = StatusFailed
		m.mu.Unlock()

		if m.config.OnStop != nil {
			m.config.OnStop(err)
		}

		if !m.config.RestartOnFailure {
			m.logger.Info("restart disabled, not restarting", "name", m.config.Name)
			return
		}

		// A missing adapter or bad binary won't come back on its own;
		// restarting would just loop on the same failure.
		if !IsRecoverable(err) {
			m.logger.Error("failure is not recoverable, not restarting",
				"name", m.config.Name,
				"error", err,
			)
			return
		}

		m.mu.Lock()
		// A run that survived past the stable threshold clears the
		// attempt counter, so an old crash spree doesn't count against
		// a fresh failure.
		if !m.startTime.IsZero() && time.Since(m.startTime) >= m.config.StableThreshold {
			m.restartCount = 0
		}
		m.restartCount++
		attempt := m.restartCount
		m.mu.Unlock()

		if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
			m.logger.Error("max restart attempts reached",
				"name", m.config.Name,
				"attempts", attempt,
			)
			return
		}

		delay := m.calculateBackoffDelay(attempt)
		m.logger.Info("restarting process",
			"name", m.config.Name,
			"attempt", attempt,
			"delay", delay,
		)

		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt)
		}

		select {
		case <-ctx.Done():
			m.logger.Info("context cancelled, not restarting", "name", m.config.Name)
			return
		case <-time.After(delay):
		}

		// Stop may have been requested while we slept.
		m.mu.RLock()
		stopRequested = m.stopRequested
		m.mu.RUnlock()
		if stopRequested {
			return
		}

		if err := m.startProcess(ctx); err != nil {
			m.logger.Error("failed to restart process",
				"name", m.config.Name,
				"error", err,
			)
			// Loop again and retry with a longer delay.
		}
	}
}

// calculateBackoffDelay returns the restart delay for the given attempt.
// The delay doubles each attempt starting from RestartDelay, capped at
// MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if m.config.MaxRestartDelay > 0 && delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// Stop shuts the subprocess down, SIGTERM first and SIGKILL after
// GracefulTimeout. Both signals go to the process group so children of
// the daemon die with it. Safe to call when nothing is running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status != StatusRunning && m.status != StatusStarting {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// done is nil when Stop races ahead of Start finishing.
	if done == nil {
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	// Negative PID signals the whole group created via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
		}
	}

	select {
	case <-done:
		m.logger.Info("process stopped gracefully", "name", m.config.Name)
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
		}
	}

	<-done
	m.logger.Info("process killed", "name", m.config.Name)

	return nil
}

// Status reports the supervised process's current state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning reports whether the process is currently up.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the error from the most recent unexpected exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns how many restarts the current failure streak has
// consumed.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Uptime returns how long the current process instance has been running,
// or 0 when nothing is running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the subprocess PID, or 0 when nothing is running.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats is a point-in-time snapshot of a supervised process, suitable
// for health endpoints.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats captures the manager's current snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		RestartCount: m.restartCount,
	}

	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}

	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}

	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}

	return stats
}
