package node

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
)

// Function is the callback a software node runs per invocation.
type Function func(ctx context.Context, payload []byte) ([]byte, error)

// SoftwareConfig bounds a software node's resource use.
type SoftwareConfig struct {
	// MaxMemory caps the payload size per invocation. Zero means no
	// cap.
	MaxMemory uint64 `json:"max_memory"`
	// RatePerSec caps invocations per second. Zero or negative means
	// unlimited.
	RatePerSec float64 `json:"rate_per_sec"`
	// Burst is the rate limiter's burst size. Defaults to 1 when a
	// rate is set.
	Burst int `json:"burst"`
}

// SoftwareNode runs a packet-processing callback on the host CPU. The
// parser, deparser and generic-NF variants share this implementation.
type SoftwareNode struct {
	*core
	cfg     SoftwareConfig
	limiter *rate.Limiter
	fn      Function
}

var _ Node = (*SoftwareNode)(nil)

// NewSoftwareNode creates a software node of the given variant.
func NewSoftwareNode(id string, kind Kind, op device.OpTag, cfg SoftwareConfig, deps Deps) (*SoftwareNode, error) {
	if !kind.IsSoftware() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("kind %s is not a software variant: %w", kind, errors.ErrInvalidArgument),
			"node", "NewSoftwareNode", "kind validation")
	}
	c, err := newCore(id, kind, op, deps)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		if cfg.Burst > 0 {
			burst = cfg.Burst
		}
	}
	return &SoftwareNode{
		core:    c,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Initialize requires SW_EXECUTE.
func (n *SoftwareNode) Initialize(cap *capability.Capability) error {
	return n.initialize(cap)
}

// Shutdown retires the node.
func (n *SoftwareNode) Shutdown(cap *capability.Capability) error {
	return n.shutdown(cap)
}

// IsReady reports whether the node can take work.
func (n *SoftwareNode) IsReady(cap *capability.Capability) (bool, error) {
	return n.isReady(cap)
}

// Execute issues the node's stage transfer to the device.
func (n *SoftwareNode) Execute(cap *capability.Capability, desc device.TransferDescriptor) error {
	return n.execute(cap, desc)
}

// ClearCompletion resets completion state ahead of a run.
func (n *SoftwareNode) ClearCompletion(cap *capability.Capability) error {
	return n.clearCompletion(cap)
}

// CheckCompletion polls the node's operation slot.
func (n *SoftwareNode) CheckCompletion(cap *capability.Capability) (bool, error) {
	return n.checkCompletion(cap)
}

// SetFunction installs the callback. Requires SW_EXECUTE.
func (n *SoftwareNode) SetFunction(cap *capability.Capability, fn Function) error {
	if err := n.checkCap(cap, capability.PermSoftExecute, "set_function"); err != nil {
		return err
	}
	if fn == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil function: %w", errors.ErrInvalidArgument),
			"node", "SetFunction", "function validation")
	}
	n.mu.Lock()
	n.fn = fn
	n.mu.Unlock()
	return nil
}

// Invoke runs the callback on a payload, enforcing the node's memory
// cap and invocation rate. Requires SW_EXECUTE and an initialized node.
func (n *SoftwareNode) Invoke(ctx context.Context, cap *capability.Capability, payload []byte) ([]byte, error) {
	if err := n.checkCap(cap, capability.PermSoftExecute, "invoke"); err != nil {
		return nil, err
	}

	n.mu.Lock()
	status := n.status
	fn := n.fn
	n.mu.Unlock()

	if status != StatusInitialized && status != StatusConnected {
		return nil, errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", n.id, status, errors.ErrNotInitialized),
			"node", "Invoke", "state check")
	}
	if fn == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("node %s: %w", n.id, errors.ErrFunctionNotSet),
			"node", "Invoke", "function check")
	}
	if n.cfg.MaxMemory > 0 && uint64(len(payload)) > n.cfg.MaxMemory {
		return nil, errors.WrapInvalid(
			fmt.Errorf("payload %d bytes exceeds cap %d: %w",
				len(payload), n.cfg.MaxMemory, errors.ErrResourceLimit),
			"node", "Invoke", "memory limit")
	}
	if !n.limiter.Allow() {
		if n.metrics != nil {
			n.metrics.RecordEnforcementRejection(n.id, "rate")
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("node %s over %v/s: %w", n.id, n.limiter.Limit(), errors.ErrRateLimited),
			"node", "Invoke", "rate limit")
	}

	out, err := fn(ctx, payload)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrExecutionFailed, err),
			"node", "Invoke", "callback")
	}
	return out, nil
}
