package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for gattd communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the initial
	// daemon connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultRequestTimeout bounds a single request/response exchange.
	defaultRequestTimeout = 5 * time.Second

	// defaultReadTimeout is the socket read deadline for the receive loop.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the socket write deadline for outgoing frames.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between daemon
	// reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval caps the reconnection backoff.
	maxReconnectInterval = 2 * time.Minute

	// notifyQueueSize is the buffer size for the notification queue.
	notifyQueueSize = 64

	// notifyWorkerCount is the number of notification dispatch workers.
	notifyWorkerCount = 2
)

// GattdConfig holds gattd connection configuration.
type GattdConfig struct {
	// Connection is the daemon connection URL.
	// Supported formats:
	//   - "unix:///run/gattd.sock" (Unix socket)
	//   - "tcp://localhost:7120" (TCP)
	Connection string

	// ConnectTimeout is the maximum time to wait for the daemon connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a single request/response exchange.
	// Default: 5 seconds.
	RequestTimeout time.Duration

	// ReadTimeout is the receive-loop socket deadline.
	// Default: 30 seconds.
	ReadTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration
}

// Ensure GattdClient implements Connector.
var _ Connector = (*GattdClient)(nil)

// GattdClient provides the BLE transport via the gattd proxy daemon.
//
// The daemon owns the actual Bluetooth stack; this client multiplexes one
// device session over the daemon socket. Requests (connect, subscribe,
// read, write) are serialised and answered in order; notifications arrive
// asynchronously and are dispatched through a bounded worker pool.
//
// Auto-Reconnection:
//   - When the daemon socket is lost, the client reconnects with
//     exponential backoff and keeps doing so until Close() is called.
//   - The device session is NOT restored automatically: losing the daemon
//     drops the session and fires the session disconnect callback. The
//     caller's retry policy decides when to connect again.
type GattdClient struct {
	cfg GattdConfig

	// Daemon socket state
	conn     net.Conn
	daemonUp bool
	connMu   sync.RWMutex

	// Device session state
	sessionUp      bool
	onDisconnect   func()
	notifyHandlers map[string]func(data []byte)
	sessionMu      sync.RWMutex

	// Request serialisation: one in-flight request at a time, results
	// delivered by the receive loop.
	reqMu   sync.Mutex
	results chan frame

	// Notification dispatch (bounded worker pool)
	notifyQueue chan frame

	// Reconnection state
	reconnecting atomic.Bool

	// Shutdown coordination
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	notificationsRx      atomic.Uint64
	notificationsDropped atomic.Uint64
	writesTx             atomic.Uint64
	readsTx              atomic.Uint64
	errorsTotal          atomic.Uint64
	reconnectsTotal      atomic.Uint64
	lastActivity         atomic.Int64 // Unix timestamp
}

// Dial connects to the gattd daemon and starts the receive loop.
//
// The connection URL determines the transport:
//   - "unix:///run/gattd.sock" → Unix socket
//   - "tcp://localhost:7120" → TCP socket
//
// No device session is established; call Connect for that.
func Dial(ctx context.Context, cfg GattdConfig) (*GattdClient, error) {
	// Apply defaults
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	c := &GattdClient{
		cfg:            cfg,
		conn:           conn,
		daemonUp:       true,
		notifyHandlers: make(map[string]func([]byte)),
		results:        make(chan frame, 1),
		notifyQueue:    make(chan frame, notifyQueueSize),
		done:           newCloseOnce(),
	}
	c.lastActivity.Store(time.Now().Unix())

	for i := 0; i < notifyWorkerCount; i++ {
		c.wg.Add(1)
		go c.notifyWorker()
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// parseConnectionURL parses a gattd connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:7120"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// Connect establishes a device session.
//
// onDisconnect is invoked at most once per session, from a client-owned
// goroutine, if the session is lost from the transport side (device range,
// daemon restart). It is not invoked for an explicit Disconnect.
func (c *GattdClient) Connect(ctx context.Context, target string, onDisconnect func()) error {
	if !c.daemonConnected() {
		return fmt.Errorf("%w: daemon socket down", ErrNotConnected)
	}

	resp, err := c.request(ctx, frame{Op: opConnect, Payload: []byte(target)})
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	if err := resultError(resp); err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}

	c.sessionMu.Lock()
	c.sessionUp = true
	c.onDisconnect = onDisconnect
	c.notifyHandlers = make(map[string]func([]byte))
	c.sessionMu.Unlock()

	c.logInfo("device session established", "target", target)
	return nil
}

// StartNotify subscribes callback to notifications on a characteristic.
func (c *GattdClient) StartNotify(ctx context.Context, characteristic string, callback func(data []byte)) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	resp, err := c.request(ctx, frame{Op: opSubscribe, Characteristic: characteristic})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", characteristic, err)
	}
	if err := resultError(resp); err != nil {
		return fmt.Errorf("subscribe %s: %w", characteristic, err)
	}

	c.sessionMu.Lock()
	c.notifyHandlers[characteristic] = callback
	c.sessionMu.Unlock()
	return nil
}

// Read reads the current value of a characteristic.
func (c *GattdClient) Read(ctx context.Context, characteristic string) ([]byte, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	c.readsTx.Add(1)
	resp, err := c.request(ctx, frame{Op: opRead, Characteristic: characteristic})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", characteristic, err)
	}
	if err := resultError(resp); err != nil {
		return nil, fmt.Errorf("read %s: %w", characteristic, err)
	}
	return resp.Payload[1:], nil
}

// Write writes data to a characteristic with response.
func (c *GattdClient) Write(ctx context.Context, characteristic string, data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.writesTx.Add(1)
	resp, err := c.request(ctx, frame{Op: opWrite, Characteristic: characteristic, Payload: data})
	if err != nil {
		return fmt.Errorf("write %s: %w", characteristic, err)
	}
	if err := resultError(resp); err != nil {
		return fmt.Errorf("write %s: %w", characteristic, err)
	}
	return nil
}

// Disconnect tears down the device session (best-effort).
//
// The session is marked down even if the daemon exchange fails.
func (c *GattdClient) Disconnect(ctx context.Context) error {
	c.sessionMu.Lock()
	wasUp := c.sessionUp
	c.sessionUp = false
	c.onDisconnect = nil
	c.notifyHandlers = make(map[string]func([]byte))
	c.sessionMu.Unlock()

	if !wasUp || !c.daemonConnected() {
		return nil
	}

	if _, err := c.request(ctx, frame{Op: opDisconnect}); err != nil {
		c.logWarn("disconnect request failed", "error", err)
		return fmt.Errorf("%w: disconnect: %w", ErrTransportFailure, err)
	}
	return nil
}

// resultError converts an opResult status byte into an error.
func resultError(resp frame) error {
	if resp.Op != opResult {
		return fmt.Errorf("%w: unexpected op 0x%02X", ErrInvalidFrame, resp.Op)
	}
	if len(resp.Payload) < 1 {
		return fmt.Errorf("%w: result without status", ErrInvalidFrame)
	}
	if resp.Payload[0] != resultOK {
		return fmt.Errorf("%w: daemon status 0x%02X", ErrTransportFailure, resp.Payload[0])
	}
	return nil
}

// request performs one serialised request/response exchange with the daemon.
func (c *GattdClient) request(ctx context.Context, f frame) (frame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// Discard a stale result left over from a timed-out exchange.
	select {
	case <-c.results:
	default:
	}

	msg, err := encodeFrame(f)
	if err != nil {
		return frame{}, err
	}

	c.connMu.RLock()
	conn := c.conn
	up := c.daemonUp
	c.connMu.RUnlock()

	if conn == nil || !up {
		return frame{}, ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return frame{}, fmt.Errorf("%w: set deadline: %w", ErrTransportFailure, err)
	}
	if _, err := conn.Write(msg); err != nil {
		c.errorsTotal.Add(1)
		return frame{}, fmt.Errorf("%w: write: %w", ErrTransportFailure, err)
	}
	c.lastActivity.Store(time.Now().Unix())

	timeout := c.cfg.RequestTimeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < timeout {
			timeout = remaining
		}
	}

	select {
	case resp := <-c.results:
		return resp, nil
	case <-time.After(timeout):
		c.errorsTotal.Add(1)
		return frame{}, ErrRequestTimeout
	case <-ctx.Done():
		return frame{}, fmt.Errorf("%w: %w", ErrTransportFailure, ctx.Err())
	case <-c.done.Done():
		return frame{}, ErrNotConnected
	}
}

// receiveLoop continuously reads frames from the daemon.
// On socket loss it reconnects with exponential backoff.
func (c *GattdClient) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, frameSizeLen+maxFrameSize)

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		f, err := c.readFrame(buf)
		if err != nil {
			if c.handleReadError(err) {
				if c.isClosed() {
					return
				}
				if !c.reconnect() {
					return // Shutdown during reconnection
				}
			}
			continue
		}

		c.dispatch(f)
	}
}

// readFrame reads a single frame from the daemon socket.
// An oversized frame indicates protocol desync and is fatal.
func (c *GattdClient) readFrame(buf []byte) (frame, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return frame{}, ErrNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return frame{}, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := io.ReadFull(conn, buf[:frameSizeLen]); err != nil {
		return frame{}, fmt.Errorf("read size: %w", err)
	}

	size := int(binary.BigEndian.Uint16(buf[:frameSizeLen]))
	if size < frameHeaderLen {
		c.errorsTotal.Add(1)
		return frame{}, fmt.Errorf("%w: frame size %d below header", ErrInvalidFrame, size)
	}
	if size > maxFrameSize {
		// Cannot skip an unknown number of bytes safely; force reconnect.
		c.errorsTotal.Add(1)
		return frame{}, fmt.Errorf("%w: frame size %d exceeds limit %d", ErrInvalidFrame, size, maxFrameSize)
	}

	if _, err := io.ReadFull(conn, buf[frameSizeLen:frameSizeLen+size]); err != nil {
		return frame{}, fmt.Errorf("read body: %w", err)
	}

	return decodeFrame(buf[frameSizeLen : frameSizeLen+size])
}

// dispatch routes a received frame.
func (c *GattdClient) dispatch(f frame) {
	c.lastActivity.Store(time.Now().Unix())

	switch f.Op {
	case opNotify:
		c.notificationsRx.Add(1)
		select {
		case c.notifyQueue <- f:
		default:
			// Queue full, drop to protect the receive loop
			c.notificationsDropped.Add(1)
			c.errorsTotal.Add(1)
			c.logWarn("notification queue full, dropping", "characteristic", f.Characteristic)
		}
	case opResult:
		select {
		case c.results <- f:
		default:
			// No request waiting (timed-out exchange); discard
			c.logDebug("unsolicited result discarded")
		}
	case opDisconnected:
		c.logWarn("device session lost")
		c.dropSession()
	default:
		c.errorsTotal.Add(1)
		c.logWarn("unknown frame op", "op", f.Op)
	}
}

// notifyWorker dispatches notifications to their subscribed handlers.
func (c *GattdClient) notifyWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case f := <-c.notifyQueue:
			c.sessionMu.RLock()
			handler := c.notifyHandlers[f.Characteristic]
			c.sessionMu.RUnlock()

			if handler == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logError("notification handler panic", fmt.Errorf("%v", r))
					}
				}()
				handler(f.Payload)
			}()
		}
	}
}

// dropSession marks the device session down and fires the disconnect
// callback exactly once.
func (c *GattdClient) dropSession() {
	c.sessionMu.Lock()
	wasUp := c.sessionUp
	cb := c.onDisconnect
	c.sessionUp = false
	c.onDisconnect = nil
	c.sessionMu.Unlock()

	if wasUp && cb != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.logError("disconnect callback panic", fmt.Errorf("%v", r))
				}
			}()
			cb()
		}()
	}
}

// handleReadError processes a receive-loop error and reports whether the
// socket must be re-established.
func (c *GattdClient) handleReadError(err error) bool {
	if c.isClosed() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false // Idle socket, keep reading
	}

	c.logError("daemon read failed", err)
	c.errorsTotal.Add(1)

	c.connMu.Lock()
	c.daemonUp = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	// The device session rides on the daemon socket.
	c.dropSession()
	return true
}

// reconnect re-establishes the daemon socket with exponential backoff.
// Returns false if shutdown was signalled while retrying.
func (c *GattdClient) reconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return !c.isClosed()
	}
	defer c.reconnecting.Store(false)

	network, address, err := parseConnectionURL(c.cfg.Connection)
	if err != nil {
		c.logError("reconnect: invalid connection URL", err)
		return false
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInterval
	policy.MaxInterval = maxReconnectInterval
	policy.MaxElapsedTime = 0 // Retry until shutdown

	attempt := 0
	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(errors.New("client closed"))
		}

		attempt++
		c.logInfo("attempting daemon reconnection", "attempt", attempt)

		dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()

		var dialer net.Dialer
		conn, err := dialer.DialContext(dialCtx, network, address)
		if err != nil {
			c.errorsTotal.Add(1)
			return fmt.Errorf("dial %s://%s: %w", network, address, err)
		}

		c.connMu.Lock()
		c.conn = conn
		c.daemonUp = true
		c.connMu.Unlock()
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return false
	}

	c.reconnectsTotal.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	c.logInfo("daemon reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
	return true
}

// isClosed returns true if the client has been closed.
func (c *GattdClient) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// IsConnected reports whether a device session is established.
func (c *GattdClient) IsConnected() bool {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionUp
}

// daemonConnected reports whether the daemon socket is up.
func (c *GattdClient) daemonConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.daemonUp
}

// Stats returns current operational statistics.
func (c *GattdClient) Stats() TransportStats {
	return TransportStats{
		NotificationsRx:      c.notificationsRx.Load(),
		NotificationsDropped: c.notificationsDropped.Load(),
		WritesTx:             c.writesTx.Load(),
		ReadsTx:              c.readsTx.Load(),
		ErrorsTotal:          c.errorsTotal.Load(),
		ReconnectsTotal:      c.reconnectsTotal.Load(),
		LastActivity:         time.Unix(c.lastActivity.Load(), 0),
		Connected:            c.IsConnected(),
		DaemonConnected:      c.daemonConnected(),
	}
}

// SetLogger sets the logger for this client.
func (c *GattdClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Close releases the daemon connection and stops all workers.
// Safe to call multiple times.
func (c *GattdClient) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.daemonUp = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.sessionMu.Lock()
	c.sessionUp = false
	c.onDisconnect = nil
	c.sessionMu.Unlock()

	c.wg.Wait()
	c.logInfo("gattd connection closed")
	return nil
}

// logDebug logs a debug message if logger is set.
func (c *GattdClient) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (c *GattdClient) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (c *GattdClient) logWarn(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *GattdClient) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
