package metric

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.Core())
}

func TestMetricsRegistry_CoreMetricsExported(t *testing.T) {
	registry := NewMetricsRegistry()

	core := registry.Core()
	core.RecordNodeStatus("net0", "network", 2)
	core.RecordTransferIssued("net0")
	core.RecordTransferBytes("net0", "send", 512)
	core.RecordTransferRetry("net0")
	core.RecordTransferDuration("net0", "send", 3*time.Millisecond)
	core.RecordCapabilityCheck("create_node", "granted")
	core.RecordCapabilitiesLive(4)
	core.RecordEnforcementRejection("buf0", "rate")
	core.RecordRegistryStalled(true)
	core.RecordPipelineRun("completed")
	core.RecordRPCConnected(true)
	core.RecordRPCReconnect()
	core.RecordRPCDuration("deploy", 8*time.Millisecond)

	names := gatheredNames(t, registry)
	for _, want := range []string{
		"weft_node_status",
		"weft_transfer_issued_total",
		"weft_transfer_bytes_total",
		"weft_transfer_retries_total",
		"weft_transfer_duration_seconds",
		"weft_capability_checks_total",
		"weft_capability_live",
		"weft_registry_enforcement_rejections_total",
		"weft_registry_stalled",
		"weft_pipeline_runs_total",
		"weft_rpc_connected",
		"weft_rpc_reconnects_total",
		"weft_rpc_duration_seconds",
	} {
		assert.True(t, names[want], "core metric %s not exported", want)
	}
}

func TestMetricsRegistry_RegisterComponentCollector(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_frames_total",
		Help: "Frames seen by the test node",
	})
	require.NoError(t, registry.Register("net0", "frames_total", counter))
	counter.Inc()

	assert.True(t, gatheredNames(t, registry)["test_frames_total"])
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dup_total",
		Help: "Duplicate test counter",
	})
	counter2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dup_total",
		Help: "Duplicate test counter",
	})

	require.NoError(t, registry.Register("svc", "dup_total", counter1))

	// Same key is rejected by the registry itself.
	err := registry.Register("svc", "dup_total", counter2)
	assert.Error(t, err)

	// Different key but colliding descriptor is rejected by Prometheus.
	err = registry.Register("svc2", "dup_total", counter2)
	assert.Error(t, err)
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_unregister",
		Help: "Gauge to be removed",
	})
	require.NoError(t, registry.Register("svc", "test_unregister", gauge))

	assert.True(t, registry.Unregister("svc", "test_unregister"))
	assert.False(t, registry.Unregister("svc", "test_unregister"))
	assert.False(t, gatheredNames(t, registry)["test_unregister"])

	// The descriptor is free for re-registration.
	require.NoError(t, registry.Register("svc", "test_unregister", gauge))
}

func TestMetricsRegistry_InstancesIsolated(t *testing.T) {
	// Two registries in one process must not share collectors.
	r1 := NewMetricsRegistry()
	r2 := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "isolated_total",
		Help: "Counter registered in one instance only",
	})
	require.NoError(t, r1.Register("svc", "isolated_total", counter))

	assert.True(t, gatheredNames(t, r1)["isolated_total"])
	assert.False(t, gatheredNames(t, r2)["isolated_total"])
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_total_%d", i)
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: name,
				Help: "Concurrent registration test counter",
			})
			assert.NoError(t, registry.Register("svc", name, counter))
		}(i)
	}
	wg.Wait()

	names := gatheredNames(t, registry)
	for i := 0; i < 8; i++ {
		assert.True(t, names[fmt.Sprintf("concurrent_total_%d", i)])
	}
}
