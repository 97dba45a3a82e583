package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/weftworks/weft/errors"
)

// MetricsRegistry manages one instance's Prometheus registry and the
// collectors registered against it.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	core               *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewMetricsRegistry creates a registry preloaded with the core
// platform metrics and the Go runtime collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		core:               NewMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.prometheusRegistry.MustRegister(
		r.core.NodeStatus,
		r.core.TransfersIssued,
		r.core.TransferBytes,
		r.core.TransferRetries,
		r.core.TransferDuration,
		r.core.CapabilityChecks,
		r.core.CapabilitiesLive,
		r.core.EnforcementRejections,
		r.core.RegistryStalled,
		r.core.PipelineRuns,
		r.core.RPCConnected,
		r.core.RPCReconnects,
		r.core.RPCDuration,
	)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry for
// handler wiring.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Core returns the platform metrics.
func (r *MetricsRegistry) Core() *Metrics {
	return r.core
}

// Register adds a component-specific collector under component/name.
// Duplicate keys and Prometheus descriptor conflicts fail.
func (r *MetricsRegistry) Register(component, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s: %w", name, component, errors.ErrAlreadyExists),
			"metric", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "metric", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "metric", "Register", "prometheus registration")
	}

	r.registered[key] = collector
	return nil
}

// Unregister removes a component collector. Returns false if the key
// was never registered.
func (r *MetricsRegistry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}

	ok := r.prometheusRegistry.Unregister(collector)
	if ok {
		delete(r.registered, key)
	}
	return ok
}
