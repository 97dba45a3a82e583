package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics every pipeline instance
// exports.
type Metrics struct {
	// Node lifecycle
	NodeStatus *prometheus.GaugeVec

	// Transfers
	TransfersIssued  *prometheus.CounterVec
	TransferBytes    *prometheus.CounterVec
	TransferRetries  *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec

	// Capability kernel
	CapabilityChecks *prometheus.CounterVec
	CapabilitiesLive prometheus.Gauge

	// Registry and enforcement
	EnforcementRejections *prometheus.CounterVec
	RegistryStalled       prometheus.Gauge

	// Pipeline execution
	PipelineRuns *prometheus.CounterVec

	// RPC transport
	RPCConnected  prometheus.Gauge
	RPCReconnects prometheus.Counter
	RPCDuration   *prometheus.HistogramVec
}

// NewMetrics creates the platform metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		NodeStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "weft",
				Subsystem: "node",
				Name:      "status",
				Help:      "Node lifecycle state (0=uninitialized, 1=initialized, 2=connected, 3=shut down)",
			},
			[]string{"node", "kind"},
		),

		TransfersIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "transfer",
				Name:      "issued_total",
				Help:      "Total transfers issued to the device",
			},
			[]string{"node"},
		),

		TransferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "transfer",
				Name:      "bytes_total",
				Help:      "Total bytes moved, by direction",
			},
			[]string{"node", "direction"},
		),

		TransferRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "transfer",
				Name:      "retries_total",
				Help:      "Total transfer retry attempts",
			},
			[]string{"node"},
		),

		TransferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "weft",
				Subsystem: "transfer",
				Name:      "duration_seconds",
				Help:      "Transfer call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node", "operation"},
		),

		CapabilityChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "capability",
				Name:      "checks_total",
				Help:      "Capability permission checks, by outcome",
			},
			[]string{"operation", "result"},
		),

		CapabilitiesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "weft",
				Subsystem: "capability",
				Name:      "live",
				Help:      "Live capabilities in the tree, including the root",
			},
		),

		EnforcementRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "registry",
				Name:      "enforcement_rejections_total",
				Help:      "Operations rejected by the resource enforcement engine",
			},
			[]string{"resource", "reason"},
		),

		RegistryStalled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "weft",
				Subsystem: "registry",
				Name:      "stalled",
				Help:      "Whether the registry is stalled (0=running, 1=stalled)",
			},
		),

		PipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Pipeline executions, by result",
			},
			[]string{"result"},
		),

		RPCConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "weft",
				Subsystem: "rpc",
				Name:      "connected",
				Help:      "RPC transport connection status (0=disconnected, 1=connected)",
			},
		),

		RPCReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "weft",
				Subsystem: "rpc",
				Name:      "reconnects_total",
				Help:      "Total RPC transport reconnections",
			},
		),

		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "weft",
				Subsystem: "rpc",
				Name:      "duration_seconds",
				Help:      "RPC round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// RecordNodeStatus updates a node's lifecycle gauge.
func (m *Metrics) RecordNodeStatus(node, kind string, status int) {
	m.NodeStatus.WithLabelValues(node, kind).Set(float64(status))
}

// RecordTransferIssued counts one issued transfer.
func (m *Metrics) RecordTransferIssued(node string) {
	m.TransfersIssued.WithLabelValues(node).Inc()
}

// RecordTransferBytes counts moved bytes. Direction is "send" or
// "receive".
func (m *Metrics) RecordTransferBytes(node, direction string, n int) {
	if n > 0 {
		m.TransferBytes.WithLabelValues(node, direction).Add(float64(n))
	}
}

// RecordTransferRetry counts one retry attempt.
func (m *Metrics) RecordTransferRetry(node string) {
	m.TransferRetries.WithLabelValues(node).Inc()
}

// RecordTransferDuration records one transfer call's latency.
func (m *Metrics) RecordTransferDuration(node, operation string, d time.Duration) {
	m.TransferDuration.WithLabelValues(node, operation).Observe(d.Seconds())
}

// RecordCapabilityCheck counts one permission check outcome. Result is
// "granted" or "denied".
func (m *Metrics) RecordCapabilityCheck(operation, result string) {
	m.CapabilityChecks.WithLabelValues(operation, result).Inc()
}

// RecordCapabilitiesLive updates the live-capability gauge.
func (m *Metrics) RecordCapabilitiesLive(n int) {
	m.CapabilitiesLive.Set(float64(n))
}

// RecordEnforcementRejection counts one enforcement denial.
func (m *Metrics) RecordEnforcementRejection(resource, reason string) {
	m.EnforcementRejections.WithLabelValues(resource, reason).Inc()
}

// RecordRegistryStalled updates the stall gauge.
func (m *Metrics) RecordRegistryStalled(stalled bool) {
	v := 0.0
	if stalled {
		v = 1.0
	}
	m.RegistryStalled.Set(v)
}

// RecordPipelineRun counts one execution. Result is "completed",
// "timeout", "stalled" or "failed".
func (m *Metrics) RecordPipelineRun(result string) {
	m.PipelineRuns.WithLabelValues(result).Inc()
}

// RecordRPCConnected updates the RPC connection gauge.
func (m *Metrics) RecordRPCConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.RPCConnected.Set(v)
}

// RecordRPCReconnect counts one RPC reconnection.
func (m *Metrics) RecordRPCReconnect() {
	m.RPCReconnects.Inc()
}

// RecordRPCDuration records one RPC round trip.
func (m *Metrics) RecordRPCDuration(method string, d time.Duration) {
	m.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
}
