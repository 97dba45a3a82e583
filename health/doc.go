// Package health tracks per-component health reports and aggregates
// them into one overall status. The worker agent and the connection
// layer report into a shared Monitor; the metrics server serves the
// aggregate on its health endpoint.
package health
