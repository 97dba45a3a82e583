// Package worker provides a bounded generic worker pool. The agent
// runs deployment executions through one so a burst of control calls
// cannot spawn unbounded goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftworks/weft/metric"
)

// Pool sentinel errors.
var (
	ErrNotStarted     = errors.New("worker pool not started")
	ErrAlreadyStarted = errors.New("worker pool already started")
	ErrStopped        = errors.New("worker pool stopped")
	ErrQueueFull      = errors.New("worker pool queue full")
	ErrNilProcessor   = errors.New("nil processor function")
	ErrStopTimeout    = errors.New("worker pool stop timed out")
)

// Pool runs submitted items of type T through a fixed set of workers
// behind a bounded queue. Submit never blocks; a full queue rejects.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	work chan T
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	metrics *poolMetrics
}

type poolMetrics struct {
	depth     prometheus.Gauge
	processed *prometheus.CounterVec
	rejected  prometheus.Counter
	duration  prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers queue depth, throughput and latency collectors
// for the pool under the given component name.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(p *Pool[T]) {
		if registry == nil || component == "" {
			return
		}
		m := &poolMetrics{
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: component + "_pool_queue_depth",
				Help: "Work items waiting in the pool queue.",
			}),
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: component + "_pool_processed_total",
				Help: "Work items processed, by result.",
			}, []string{"result"}),
			rejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: component + "_pool_rejected_total",
				Help: "Work items rejected by a full queue.",
			}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    component + "_pool_duration_seconds",
				Help:    "Work item processing time.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		if registry.Register(component, "pool_queue_depth", m.depth) != nil ||
			registry.Register(component, "pool_processed_total", m.processed) != nil ||
			registry.Register(component, "pool_rejected_total", m.rejected) != nil ||
			registry.Register(component, "pool_duration_seconds", m.duration) != nil {
			return
		}
		p.metrics = m
	}
}

// NewPool creates a pool of the given size. Non-positive workers
// default to 4, non-positive queue sizes to 64.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers. The context cancels all in-flight and
// future processing.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return nil
}

// Submit queues one item without blocking.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrStopped
	}

	// The send stays under the lifecycle lock: Stop closes the channel
	// under the same lock, and a send racing that close panics. The
	// select never blocks, so holding the lock here is safe.
	select {
	case p.work <- item:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.depth.Set(float64(len(p.work)))
		}
		return nil
	default:
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.rejected.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to drain it, up to
// the timeout. Safe to call repeatedly.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats is a point-in-time pool counter snapshot.
type Stats struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	Depth     int   `json:"depth"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns the pool's counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		QueueSize: p.queueSize,
		Depth:     len(p.work),
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			start := time.Now()
			err := p.processor(ctx, item)
			p.processed.Add(1)
			result := "ok"
			if err != nil {
				p.failed.Add(1)
				result = "error"
			}
			if p.metrics != nil {
				p.metrics.processed.WithLabelValues(result).Inc()
				p.metrics.duration.Observe(time.Since(start).Seconds())
				p.metrics.depth.Set(float64(len(p.work)))
			}
		}
	}
}
