// Package natsclient manages the control-plane NATS connection for
// the daemon: dial with timeout, reconnect handling and a circuit
// breaker with exponential backoff, reporting its state into the
// health monitor and metrics.
package natsclient
