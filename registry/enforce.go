package registry

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/metric"
)

// EnforcerConfig bounds one registry's resource consumption. Zero
// values leave the corresponding dimension unlimited.
type EnforcerConfig struct {
	// MaxMemory caps total outstanding buffer bytes.
	MaxMemory uint64 `json:"max_memory"`
	// MaxThreads caps concurrently bound execution threads.
	MaxThreads int `json:"max_threads"`
	// ExecPerSec caps stage invocations per second.
	ExecPerSec float64 `json:"exec_per_sec"`
	// ExecBurst is the invocation limiter's burst size.
	ExecBurst int `json:"exec_burst"`
	// TransferBytesPerSec caps link bandwidth consumption.
	TransferBytesPerSec float64 `json:"transfer_bytes_per_sec"`
	// TransferBurst is the bandwidth limiter's burst size in bytes.
	TransferBurst int `json:"transfer_burst"`
}

// DefaultEnforcerConfig returns the per-registry enforcement defaults:
// memory and threads unlimited, generous rate budgets.
func DefaultEnforcerConfig() EnforcerConfig {
	return EnforcerConfig{
		ExecPerSec:          10000,
		ExecBurst:           1000,
		TransferBytesPerSec: 1 << 30,
		TransferBurst:       1 << 20,
	}
}

// Enforcer is one registry's resource-enforcement engine: token-bucket
// rate limiters for stage invocations and transfer bandwidth plus
// memory and thread accounting. Every registry owns its own enforcer;
// there is no process-wide instance. All mutating operations are
// serialized.
type Enforcer struct {
	mu  sync.Mutex
	cfg EnforcerConfig

	execLimiter *rate.Limiter
	bwLimiter   *rate.Limiter

	memUsed     uint64
	threadsUsed int

	metrics *metric.Metrics
}

// NewEnforcer creates an enforcement engine for one registry.
func NewEnforcer(cfg EnforcerConfig, metrics *metric.Metrics) *Enforcer {
	e := &Enforcer{cfg: cfg, metrics: metrics}
	e.execLimiter = newLimiter(cfg.ExecPerSec, cfg.ExecBurst)
	e.bwLimiter = newLimiter(cfg.TransferBytesPerSec, cfg.TransferBurst)
	return e
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (e *Enforcer) reject(resource, reason string) {
	if e.metrics != nil {
		e.metrics.RecordEnforcementRejection(resource, reason)
	}
}

// AllowExecution consumes one stage-invocation token.
func (e *Enforcer) AllowExecution(resource string) error {
	if !e.execLimiter.Allow() {
		e.reject(resource, "exec_rate")
		return errors.WrapTransient(
			fmt.Errorf("%s over %v invocations/s: %w", resource, e.execLimiter.Limit(), errors.ErrRateLimited),
			"registry", "AllowExecution", "rate limit")
	}
	return nil
}

// AllowTransfer consumes bandwidth tokens for one transfer. Transfers
// larger than the burst size are rejected outright rather than stalled.
func (e *Enforcer) AllowTransfer(resource string, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	if !e.bwLimiter.AllowN(time.Now(), bytes) {
		e.reject(resource, "bandwidth")
		return errors.WrapTransient(
			fmt.Errorf("%d bytes over %v bytes/s budget: %w", bytes, e.bwLimiter.Limit(), errors.ErrRateLimited),
			"registry", "AllowTransfer", "bandwidth limit")
	}
	return nil
}

// ReserveMemory accounts bytes toward the memory cap.
func (e *Enforcer) ReserveMemory(resource string, bytes uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.MaxMemory > 0 && e.memUsed+bytes > e.cfg.MaxMemory {
		e.reject(resource, "memory")
		return errors.WrapTransient(
			fmt.Errorf("%d bytes would exceed cap %d: %w", e.memUsed+bytes, e.cfg.MaxMemory, errors.ErrResourceLimit),
			"registry", "ReserveMemory", "memory accounting")
	}
	e.memUsed += bytes
	return nil
}

// ReleaseMemory returns bytes to the budget.
func (e *Enforcer) ReleaseMemory(bytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bytes > e.memUsed {
		e.memUsed = 0
		return
	}
	e.memUsed -= bytes
}

// ReserveThread accounts one execution thread toward the thread cap.
func (e *Enforcer) ReserveThread(resource string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.MaxThreads > 0 && e.threadsUsed >= e.cfg.MaxThreads {
		e.reject(resource, "threads")
		return errors.WrapTransient(
			fmt.Errorf("%d threads in use, cap %d: %w", e.threadsUsed, e.cfg.MaxThreads, errors.ErrResourceLimit),
			"registry", "ReserveThread", "thread accounting")
	}
	e.threadsUsed++
	return nil
}

// ReleaseThread returns one thread slot.
func (e *Enforcer) ReleaseThread() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.threadsUsed > 0 {
		e.threadsUsed--
	}
}

// MemoryInUse returns the accounted buffer bytes.
func (e *Enforcer) MemoryInUse() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memUsed
}

// ThreadsInUse returns the accounted thread slots.
func (e *Enforcer) ThreadsInUse() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threadsUsed
}

// Reset zeroes all accounting. Registry teardown calls it after the
// resources themselves are gone.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memUsed = 0
	e.threadsUsed = 0
}
