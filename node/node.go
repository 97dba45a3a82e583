package node

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/metric"
)

// Kind is the closed set of node variants.
type Kind int

const (
	KindCompute Kind = iota
	KindNetworkRDMA
	KindNetworkTCP
	KindNetworkRawEthernet
	KindSoftwareParser
	KindSoftwareDeparser
	KindSoftwareGenericNF
	KindRemoteProxy
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindCompute:
		return "compute"
	case KindNetworkRDMA:
		return "network_rdma"
	case KindNetworkTCP:
		return "network_tcp"
	case KindNetworkRawEthernet:
		return "network_raw_ethernet"
	case KindSoftwareParser:
		return "software_parser"
	case KindSoftwareDeparser:
		return "software_deparser"
	case KindSoftwareGenericNF:
		return "software_generic_nf"
	case KindRemoteProxy:
		return "remote_proxy"
	default:
		return "unknown"
	}
}

// ParseKind resolves a variant name as produced by Kind.String.
func ParseKind(name string) (Kind, error) {
	for k := KindCompute; k <= KindRemoteProxy; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, errors.WrapInvalid(
		fmt.Errorf("unknown node kind %q: %w", name, errors.ErrInvalidArgument),
		"node", "ParseKind", "kind lookup")
}

// Scope returns the capability scope a node of this kind lives in.
func (k Kind) Scope() capability.Scope {
	switch k {
	case KindCompute:
		return capability.ScopeLocal
	case KindNetworkRDMA, KindNetworkTCP, KindNetworkRawEthernet:
		return capability.ScopeNetwork
	case KindSoftwareParser, KindSoftwareDeparser, KindSoftwareGenericNF:
		return capability.ScopeSoftware
	case KindRemoteProxy:
		return capability.ScopeRemote
	default:
		return capability.ScopeLocal
	}
}

// LifecyclePermission returns the permission gating initialize,
// shutdown and readiness checks for this kind.
func (k Kind) LifecyclePermission() capability.Permission {
	switch k {
	case KindCompute:
		return capability.PermWrite
	case KindNetworkRDMA, KindNetworkTCP, KindNetworkRawEthernet:
		return capability.PermNetEstablish
	case KindSoftwareParser, KindSoftwareDeparser, KindSoftwareGenericNF:
		return capability.PermSoftExecute
	case KindRemoteProxy:
		return capability.PermRemoteExecute
	default:
		return capability.PermNone
	}
}

// IsNetwork reports whether the kind is one of the network variants.
func (k Kind) IsNetwork() bool {
	return k == KindNetworkRDMA || k == KindNetworkTCP || k == KindNetworkRawEthernet
}

// IsSoftware reports whether the kind is one of the software variants.
func (k Kind) IsSoftware() bool {
	return k == KindSoftwareParser || k == KindSoftwareDeparser || k == KindSoftwareGenericNF
}

// Status is a node's lifecycle state.
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusConnected
	StatusShutDown
)

// String returns the state name.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitialized:
		return "initialized"
	case StatusConnected:
		return "connected"
	case StatusShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// Node is the stage interface the executor drives. Every method
// re-checks the supplied capability.
type Node interface {
	ID() string
	Kind() Kind
	Status() Status
	OpTag() device.OpTag

	Initialize(cap *capability.Capability) error
	Shutdown(cap *capability.Capability) error
	IsReady(cap *capability.Capability) (bool, error)

	Execute(cap *capability.Capability, desc device.TransferDescriptor) error
	ClearCompletion(cap *capability.Capability) error
	CheckCompletion(cap *capability.Capability) (bool, error)
}

// Deps carries the collaborators shared by all node variants.
type Deps struct {
	Device  device.Device
	Metrics *metric.Metrics
	Logger  *slog.Logger

	// Transfers meters link bandwidth. Nil means unlimited.
	Transfers TransferGate
}

func (d *Deps) normalize(id string) error {
	if d.Device == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil device: %w", errors.ErrInvalidArgument),
			"node", "New", "dependency validation")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("node", id)
	return nil
}

// core is the state shared by every variant.
type core struct {
	id   string
	kind Kind
	op   device.OpTag

	mu     sync.Mutex
	status Status

	dev     device.Device
	gate    TransferGate
	logger  *slog.Logger
	metrics *metric.Metrics
}

func newCore(id string, kind Kind, op device.OpTag, deps Deps) (*core, error) {
	if id == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty node id: %w", errors.ErrInvalidArgument),
			"node", "New", "id validation")
	}
	if err := deps.normalize(id); err != nil {
		return nil, err
	}
	return &core{
		id:      id,
		kind:    kind,
		op:      op,
		dev:     deps.Device,
		gate:    deps.Transfers,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}, nil
}

func (c *core) ID() string         { return c.id }
func (c *core) Kind() Kind         { return c.kind }
func (c *core) OpTag() device.OpTag { return c.op }

func (c *core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *core) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordNodeStatus(c.id, c.kind.String(), int(s))
	}
}

// checkCap re-derives the permission check for one operation. The
// order is fixed: liveness, expiry, scope, then permission bits.
func (c *core) checkCap(cap *capability.Capability, perm capability.Permission, op string) error {
	denied := func(err error) error {
		if c.metrics != nil {
			c.metrics.RecordCapabilityCheck(op, "denied")
		}
		return err
	}

	if cap == nil {
		return denied(errors.WrapInvalid(
			fmt.Errorf("nil capability: %w", errors.ErrCapabilityInvalid),
			"node", op, "capability check"))
	}
	if cap.Revoked() {
		return denied(errors.WrapInvalid(
			fmt.Errorf("capability %s revoked: %w", cap.ID(), errors.ErrCapabilityInvalid),
			"node", op, "capability check"))
	}
	if cap.Expired() {
		return denied(errors.WrapInvalid(
			fmt.Errorf("capability %s: %w", cap.ID(), errors.ErrCapabilityExpired),
			"node", op, "capability check"))
	}
	if scope := cap.Scope(); scope != capability.ScopeGlobal && scope != c.kind.Scope() {
		return denied(errors.WrapInvalid(
			fmt.Errorf("capability %s scope %s cannot operate %s node: %w",
				cap.ID(), scope, c.kind, errors.ErrScopeMismatch),
			"node", op, "capability check"))
	}
	if !cap.HasAll(perm) {
		return denied(errors.WrapInvalid(
			fmt.Errorf("capability %s lacks %s: %w", cap.ID(), perm, errors.ErrInsufficientPermissions),
			"node", op, "capability check"))
	}

	if c.metrics != nil {
		c.metrics.RecordCapabilityCheck(op, "granted")
	}
	return nil
}

// initialize moves uninitialized → initialized under the kind's
// lifecycle permission.
func (c *core) initialize(cap *capability.Capability) error {
	if err := c.checkCap(cap, c.kind.LifecyclePermission(), "initialize"); err != nil {
		return err
	}

	c.mu.Lock()
	if c.status != StatusUninitialized {
		status := c.status
		c.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", c.id, status, errors.ErrInvalidState),
			"node", "Initialize", "state check")
	}
	c.status = StatusInitialized
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordNodeStatus(c.id, c.kind.String(), int(StatusInitialized))
	}
	c.logger.Debug("node initialized", "kind", c.kind.String())
	return nil
}

// shutdown moves any state to shut down. Idempotent.
func (c *core) shutdown(cap *capability.Capability) error {
	if err := c.checkCap(cap, c.kind.LifecyclePermission(), "shutdown"); err != nil {
		return err
	}

	c.mu.Lock()
	already := c.status == StatusShutDown
	c.status = StatusShutDown
	c.mu.Unlock()

	if !already {
		if c.metrics != nil {
			c.metrics.RecordNodeStatus(c.id, c.kind.String(), int(StatusShutDown))
		}
		c.logger.Debug("node shut down", "kind", c.kind.String())
	}
	return nil
}

// isReady reports whether the node can take work.
func (c *core) isReady(cap *capability.Capability) (bool, error) {
	if err := c.checkCap(cap, c.kind.LifecyclePermission(), "is_ready"); err != nil {
		return false, err
	}
	s := c.Status()
	return s == StatusInitialized || s == StatusConnected, nil
}

// execute issues the node's stage transfer to the device.
func (c *core) execute(cap *capability.Capability, desc device.TransferDescriptor) error {
	if err := c.checkCap(cap, capability.PermExecute, "execute"); err != nil {
		return err
	}

	s := c.Status()
	if s == StatusUninitialized || s == StatusShutDown {
		return errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", c.id, s, errors.ErrNotInitialized),
			"node", "Execute", "state check")
	}

	if err := c.dev.Invoke(c.op, desc); err != nil {
		return errors.Wrap(err, "node", "Execute", "device invoke")
	}
	if c.metrics != nil {
		c.metrics.RecordTransferIssued(c.id)
	}
	return nil
}

// clearCompletion resets completion state ahead of a run.
func (c *core) clearCompletion(cap *capability.Capability) error {
	if err := c.checkCap(cap, capability.PermExecute, "clear_completion"); err != nil {
		return err
	}
	if err := c.dev.ClearCompleted(); err != nil {
		return errors.Wrap(err, "node", "ClearCompletion", "device clear")
	}
	return nil
}

// checkCompletion polls the node's operation slot.
func (c *core) checkCompletion(cap *capability.Capability) (bool, error) {
	if err := c.checkCap(cap, capability.PermRead, "check_completion"); err != nil {
		return false, err
	}
	done, err := c.dev.CheckCompleted(c.op)
	if err != nil {
		return false, errors.Wrap(err, "node", "CheckCompletion", "device poll")
	}
	return done, nil
}
