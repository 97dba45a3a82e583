package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/health"
	"github.com/weftworks/weft/metric"
)

// healthComponent names the client in the health monitor.
const healthComponent = "nats"

// ConnectionStatus is the client's connection state.
type ConnectionStatus int

// Connection states.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Client manages the control-plane NATS connection: dial with timeout,
// reconnect handling, failure counting and a circuit breaker that
// backs off exponentially when the server stays unreachable. It
// reports its state into an optional health monitor and the platform
// metrics.
type Client struct {
	url    string
	logger *slog.Logger

	status   atomic.Value // ConnectionStatus
	failures atomic.Int32

	// Circuit breaker state.
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Value // time.Duration
	lastFailure      atomic.Value // time.Time
	maxBackoff       time.Duration

	// Dial parameters.
	timeout       time.Duration
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	drainTimeout  time.Duration
	clientName    string

	monitor *health.Monitor
	metrics *metric.Metrics

	mu     sync.RWMutex
	conn   *nats.Conn
	closed atomic.Bool
}

// NewClient creates an unconnected client for the given server URL.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty server url: %w", errors.ErrInvalidArgument),
			"natsclient", "NewClient", "url validation")
	}

	c := &Client{
		url:              url,
		logger:           slog.Default(),
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		drainTimeout:     30 * time.Second,
		clientName:       "weft",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "natsclient")

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the configured server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection state.
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy reports whether the connection is usable.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total recorded connection failures.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the circuit breaker's current backoff window.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// Conn returns the underlying connection, or nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// recordFailure counts one connection failure. Crossing the circuit
// threshold opens the breaker and doubles its backoff up to the
// configured ceiling; a timer re-arms the breaker afterwards.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}
	c.circuitFailures.Store(0)

	current := c.Backoff()
	next := current * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)

	if c.Status() != StatusCircuitOpen {
		c.setStatus(StatusCircuitOpen)
		c.reportHealth(health.Unhealthy(healthComponent, "circuit open"))
		c.logger.Warn("circuit opened",
			"failures", c.failures.Load(),
			"backoff", current)
		time.AfterFunc(current, c.halfOpenCircuit)
	} else {
		c.logger.Warn("circuit still open", "backoff", next)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpenCircuit lets the next Connect attempt through once the
// backoff window has elapsed.
func (c *Client) halfOpenCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
		c.logger.Debug("circuit half-open, next connect allowed")
	}
}

func (c *Client) reportHealth(status health.Status) {
	if c.monitor != nil {
		c.monitor.Set(healthComponent, status)
	}
}

// Connect dials the server. A breaker in the open state rejects the
// attempt outright; a failed dial counts toward opening it.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(
			fmt.Errorf("client closed: %w", errors.ErrInvalidState),
			"natsclient", "Connect", "state check")
	}
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(
			fmt.Errorf("circuit open, retry after %s: %w", c.Backoff(), errors.ErrConnectFailed),
			"natsclient", "Connect", "circuit check")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting", "url", c.url)

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			done <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			c.reportHealth(health.Unhealthy(healthComponent, "connect failed"))
			return errors.WrapTransient(
				fmt.Errorf("dial %s: %v: %w", c.url, err, errors.ErrConnectFailed),
				"natsclient", "Connect", "dial")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "natsclient", "Connect", "dial cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.reportHealth(health.Healthy(healthComponent, "connected"))
	if c.metrics != nil {
		c.metrics.RecordRPCConnected(true)
	}
	c.logger.Info("connected", "url", c.url)
	return nil
}

// WaitForConnection blocks until the connection is established or the
// context expires.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(
				fmt.Errorf("connection not ready: %w", errors.ErrTimeout),
				"natsclient", "WaitForConnection", "readiness wait")
		case <-ticker.C:
		}
	}
}

// connectionOptions builds the nats.go dial options, wiring the
// reconnect lifecycle into status, health and metrics.
func (c *Client) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(c.clientName),
		nats.Timeout(c.timeout),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			c.reportHealth(health.Degraded(healthComponent, "disconnected, reconnecting"))
			if c.metrics != nil {
				c.metrics.RecordRPCConnected(false)
			}
			c.logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.setStatus(StatusConnected)
			c.reportHealth(health.Healthy(healthComponent, "reconnected"))
			if c.metrics != nil {
				c.metrics.RecordRPCConnected(true)
				c.metrics.RecordRPCReconnect()
			}
			c.logger.Info("reconnected", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if c.closed.Load() {
				return
			}
			c.setStatus(StatusDisconnected)
			c.reportHealth(health.Unhealthy(healthComponent, "connection closed"))
			if c.metrics != nil {
				c.metrics.RecordRPCConnected(false)
			}
			c.logger.Warn("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("async error", "error", err)
		}),
	}
}

// Close drains and closes the connection. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.setStatus(StatusDisconnected)
	c.reportHealth(health.Unhealthy(healthComponent, "closed"))
	if c.metrics != nil {
		c.metrics.RecordRPCConnected(false)
	}
	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Drain()
	}()
	select {
	case err := <-done:
		if err != nil {
			conn.Close()
			return errors.WrapTransient(err, "natsclient", "Close", "drain")
		}
	case <-ctx.Done():
		conn.Close()
		return errors.WrapTransient(ctx.Err(), "natsclient", "Close", "drain cancelled")
	}
	return nil
}
