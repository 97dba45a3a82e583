// Package metric provides Prometheus metrics for pipeline instances.
//
// # Overview
//
// Each pipeline or agent process constructs its own MetricsRegistry;
// there is no global registry, so independent instances in one process
// (and in tests) never collide. The registry carries the core platform
// metrics every instance exports plus a keyed index for
// component-specific collectors.
//
// # Quick Start
//
//	registry := metric.NewMetricsRegistry()
//	registry.Core().RecordNodeStatus("net0", "network", 2)
//
//	srv := metric.NewServer(9090, "/metrics", registry)
//	go srv.Start()
//	defer srv.Stop()
//
// Components register their own collectors under a component/name key:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{...})
//	if err := registry.Register("net0", "frames_total", counter); err != nil {
//		return err
//	}
//
// All registration methods are safe for concurrent use.
package metric
