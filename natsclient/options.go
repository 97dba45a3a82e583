package natsclient

import (
	"log/slog"
	"time"

	"github.com/weftworks/weft/health"
	"github.com/weftworks/weft/metric"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds the initial dial. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxReconnects caps nats.go's automatic reconnect attempts.
// Negative means unlimited, the default.
func WithMaxReconnects(n int) Option {
	return func(c *Client) {
		c.maxReconnects = n
	}
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnectWait = d
		}
	}
}

// WithPingInterval sets the server liveness ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithDrainTimeout bounds the in-flight drain on Close.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// WithName sets the connection name reported to the server.
func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.clientName = name
		}
	}
}

// WithCircuitThreshold sets how many consecutive failures open the
// breaker. Defaults to 5.
func WithCircuitThreshold(n int32) Option {
	return func(c *Client) {
		if n > 0 {
			c.circuitThreshold = n
		}
	}
}

// WithMaxBackoff caps the breaker's backoff window. Defaults to 1m.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d >= time.Second {
			c.maxBackoff = d
		}
	}
}

// WithHealthMonitor publishes connection state into a health monitor.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(c *Client) {
		c.monitor = m
	}
}

// WithMetrics records connection state on the platform metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}
