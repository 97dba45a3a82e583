package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/metric"
	"github.com/weftworks/weft/node"
	"github.com/weftworks/weft/vlan"
)

// CapabilitySuffix is appended to a resource identifier to form the
// identifier of its dedicated capability. Cross-component lookups rely
// on this convention and it must not change.
const CapabilitySuffix = "_cap"

// CapabilityID derives the dedicated capability identifier for a
// resource.
func CapabilityID(resourceID string) string {
	return resourceID + CapabilitySuffix
}

// Config parameterizes one registry instance.
type Config struct {
	Enforce EnforcerConfig `json:"enforce"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{Enforce: DefaultEnforcerConfig()}
}

// Deps carries the collaborators a registry hands to the nodes it
// creates.
type Deps struct {
	Device  device.Device
	Routes  *vlan.RouteRegistry
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// NodeSpec describes one node to create. Kind selects the variant;
// the remaining fields apply to that variant only.
type NodeSpec struct {
	ID    string
	Kind  node.Kind
	OpTag device.OpTag

	// Thread is the execution-thread handle for compute nodes.
	Thread int
	// Transport carries frames for network and remote-proxy nodes.
	Transport node.Transport
	// Network configures the network variants.
	Network node.NetworkConfig
	// Software configures the software variants.
	Software node.SoftwareConfig
	// Remote configures remote-proxy nodes.
	Remote node.RemoteConfig
	// Secret signs remote-proxy delegation tokens.
	Secret []byte
}

// Buffer is one capability-protected memory region, allocated through
// a compute node and freed through it on teardown.
type Buffer struct {
	ID          string
	Handle      device.MemHandle
	Size        uint64
	AlignedSize uint64
	// NodeID names the compute node that allocated the memory and
	// frees it again.
	NodeID string
}

// Registry owns all nodes, buffers and capabilities of one pipeline
// instance. It is the sole factory for capability-protected resources:
// every created resource gets a dedicated capability registered under
// CapabilityID(resource). A stalled registry rejects new operations;
// the only recovery is ReleaseResources and re-creation.
type Registry struct {
	id   string
	deps Deps

	caps     *capability.Tree
	enforcer *Enforcer

	mu      sync.Mutex
	nodes   map[string]node.Node
	buffers map[string]*Buffer
	stalled bool

	logger *slog.Logger
}

// New creates a registry with a root capability holding every
// permission in global scope, bound to the registry itself.
func New(id string, cfg Config, deps Deps) (*Registry, error) {
	if id == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty registry id: %w", errors.ErrInvalidArgument),
			"registry", "New", "id validation")
	}
	if deps.Device == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil device: %w", errors.ErrInvalidArgument),
			"registry", "New", "dependency validation")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("registry", id)

	caps, err := capability.NewTree(CapabilityID(id), capability.PermAll, capability.ScopeGlobal)
	if err != nil {
		return nil, err
	}
	caps.Root().BindResource(id, 0)

	return &Registry{
		id:       id,
		deps:     deps,
		caps:     caps,
		enforcer: NewEnforcer(cfg.Enforce, deps.Metrics),
		nodes:    make(map[string]node.Node),
		buffers:  make(map[string]*Buffer),
		logger:   deps.Logger,
	}, nil
}

// ID returns the registry identifier.
func (r *Registry) ID() string {
	return r.id
}

// Root returns the root capability. It survives teardown and is never
// revoked.
func (r *Registry) Root() *capability.Capability {
	return r.caps.Root()
}

// Enforcer returns the registry's resource-enforcement engine.
func (r *Registry) Enforcer() *Enforcer {
	return r.enforcer
}

// Stalled reports whether the registry has entered its terminal state.
func (r *Registry) Stalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stalled
}

// MarkStalled puts the registry into its terminal state. New resource
// operations are rejected until ReleaseResources and re-creation.
func (r *Registry) MarkStalled() {
	r.mu.Lock()
	already := r.stalled
	r.stalled = true
	r.mu.Unlock()

	if !already {
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordRegistryStalled(true)
		}
		r.logger.Warn("registry stalled")
	}
}

// checkCap gates one registry operation: the capability must be live,
// unexpired, bound to this registry and hold every bit in perm.
func (r *Registry) checkCap(cap *capability.Capability, perm capability.Permission, op string) error {
	if cap == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil capability: %w", errors.ErrCapabilityInvalid),
			"registry", op, "capability check")
	}
	if cap.Revoked() {
		return errors.WrapInvalid(
			fmt.Errorf("capability %s revoked: %w", cap.ID(), errors.ErrCapabilityInvalid),
			"registry", op, "capability check")
	}
	if cap.Expired() {
		return errors.WrapInvalid(
			fmt.Errorf("capability %s: %w", cap.ID(), errors.ErrCapabilityExpired),
			"registry", op, "capability check")
	}
	if !cap.ForResource(r.id) {
		return errors.WrapInvalid(
			fmt.Errorf("capability %s not bound to registry %s: %w",
				cap.ID(), r.id, errors.ErrResourceMismatch),
			"registry", op, "capability check")
	}
	if !cap.HasAll(perm) {
		return errors.WrapInvalid(
			fmt.Errorf("capability %s lacks %s: %w", cap.ID(), perm, errors.ErrInsufficientPermissions),
			"registry", op, "capability check")
	}
	return nil
}

func (r *Registry) checkStalled(op string) error {
	r.mu.Lock()
	stalled := r.stalled
	r.mu.Unlock()
	if stalled {
		return errors.WrapFatal(
			fmt.Errorf("registry %s: %w", r.id, errors.ErrRegistryStalled),
			"registry", op, "stall check")
	}
	return nil
}

// nodePermissions returns the permission set a node's dedicated
// capability carries. Every node is executable and delegable; the
// variant adds its scope-specific operation bits.
func nodePermissions(kind node.Kind) capability.Permission {
	perms := capability.PermRead | capability.PermWrite | capability.PermExecute |
		capability.PermDelegate | capability.PermTransitiveDelegate
	switch {
	case kind == node.KindCompute:
		// Write covers the compute lifecycle and memory operations.
	case kind.IsNetwork():
		perms |= capability.PermNetSend | capability.PermNetReceive |
			capability.PermNetEstablish | capability.PermQoSModify
	case kind.IsSoftware():
		perms |= capability.PermSoftExecute | capability.PermSoftMemory
	case kind == node.KindRemoteProxy:
		perms |= capability.PermRemoteExecute | capability.PermRemoteDelegate |
			capability.PermRemoteTransfer
	}
	return perms
}

// CreateNode creates a node and mints its dedicated capability, scoped
// by variant and bound to the node. Requires Write on a capability
// bound to this registry.
func (r *Registry) CreateNode(cap *capability.Capability, spec NodeSpec) (node.Node, error) {
	if err := r.checkStalled("CreateNode"); err != nil {
		return nil, err
	}
	if err := r.checkCap(cap, capability.PermWrite, "CreateNode"); err != nil {
		return nil, err
	}
	if spec.ID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty node id: %w", errors.ErrInvalidArgument),
			"registry", "CreateNode", "spec validation")
	}

	r.mu.Lock()
	_, dupNode := r.nodes[spec.ID]
	_, dupBuf := r.buffers[spec.ID]
	r.mu.Unlock()
	if dupNode || dupBuf {
		return nil, errors.WrapInvalid(
			fmt.Errorf("resource %q: %w", spec.ID, errors.ErrAlreadyExists),
			"registry", "CreateNode", "duplicate id check")
	}

	deps := node.Deps{
		Device:    r.deps.Device,
		Metrics:   r.deps.Metrics,
		Logger:    r.logger,
		Transfers: r.enforcer,
	}

	var threadReserved bool
	rollback := func() {
		if threadReserved {
			r.enforcer.ReleaseThread()
		}
	}

	var n node.Node
	var err error
	switch {
	case spec.Kind == node.KindCompute:
		if err = r.enforcer.ReserveThread(spec.ID); err != nil {
			return nil, err
		}
		threadReserved = true
		n, err = node.NewComputeNode(spec.ID, spec.OpTag, spec.Thread, deps)
	case spec.Kind.IsNetwork():
		n, err = node.NewNetworkNode(spec.ID, spec.Kind, spec.OpTag, spec.Transport, spec.Network, deps)
	case spec.Kind.IsSoftware():
		n, err = node.NewSoftwareNode(spec.ID, spec.Kind, spec.OpTag, spec.Software, deps)
	case spec.Kind == node.KindRemoteProxy:
		n, err = node.NewRemoteProxyNode(spec.ID, spec.OpTag, spec.Transport, spec.Secret,
			r.deps.Routes, spec.Remote, deps)
	default:
		err = errors.WrapInvalid(
			fmt.Errorf("unknown kind %d: %w", spec.Kind, errors.ErrInvalidArgument),
			"registry", "CreateNode", "kind validation")
	}
	if err != nil {
		rollback()
		return nil, err
	}

	nodeCap, err := r.Root().Delegate(CapabilityID(spec.ID), nodePermissions(spec.Kind), spec.Kind.Scope())
	if err != nil {
		rollback()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDelegationFailed, err),
			"registry", "CreateNode", "capability mint")
	}
	nodeCap.BindResource(spec.ID, 0)
	if spec.Kind == node.KindCompute {
		nodeCap.BindThread(spec.Thread)
	}

	r.mu.Lock()
	r.nodes[spec.ID] = n
	live := r.caps.Len()
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordCapabilitiesLive(live)
	}
	r.logger.Debug("node created", "node", spec.ID, "kind", spec.Kind.String())
	return n, nil
}

// CreateBuffer allocates a capability-protected buffer through an
// already-registered compute node. The registry must hold at least one
// node before a buffer can be created; capability-mint or allocation
// failure rolls back any partial allocation. Requires Write on a
// capability bound to this registry.
func (r *Registry) CreateBuffer(cap *capability.Capability, id string, size uint64) (*Buffer, error) {
	if err := r.checkStalled("CreateBuffer"); err != nil {
		return nil, err
	}
	if err := r.checkCap(cap, capability.PermWrite, "CreateBuffer"); err != nil {
		return nil, err
	}
	if id == "" || size == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("id %q size %d: %w", id, size, errors.ErrInvalidArgument),
			"registry", "CreateBuffer", "argument validation")
	}

	r.mu.Lock()
	_, dupNode := r.nodes[id]
	_, dupBuf := r.buffers[id]
	nodeCount := len(r.nodes)
	candidates := make([]node.Node, 0, nodeCount)
	for _, n := range r.nodes {
		candidates = append(candidates, n)
	}
	r.mu.Unlock()

	if dupNode || dupBuf {
		return nil, errors.WrapInvalid(
			fmt.Errorf("resource %q: %w", id, errors.ErrAlreadyExists),
			"registry", "CreateBuffer", "duplicate id check")
	}
	if nodeCount == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("registry %s: %w", r.id, errors.ErrNoNodesAvail),
			"registry", "CreateBuffer", "allocator search")
	}

	aligned := device.AlignSize(size)
	if err := r.enforcer.ReserveMemory(id, aligned); err != nil {
		return nil, err
	}

	// Find a capability-backed compute node to allocate on the
	// buffer's behalf.
	var (
		handle    device.MemHandle
		allocator *node.ComputeNode
		lastErr   error
	)
	for _, n := range candidates {
		cn, ok := n.(*node.ComputeNode)
		if !ok {
			continue
		}
		nodeCap := r.caps.Find(CapabilityID(cn.ID()))
		if nodeCap == nil {
			continue
		}
		h, _, err := cn.AllocMem(nodeCap, size)
		if err != nil {
			lastErr = err
			continue
		}
		handle = h
		allocator = cn
		break
	}
	if allocator == nil {
		r.enforcer.ReleaseMemory(aligned)
		if lastErr == nil {
			lastErr = fmt.Errorf("no initialized compute node: %w", errors.ErrNoNodesAvail)
		}
		return nil, errors.WrapTransient(lastErr, "registry", "CreateBuffer", "memory allocation")
	}

	bufCap, err := r.Root().Delegate(CapabilityID(id),
		capability.PermRead|capability.PermWrite|capability.PermDelegate|capability.PermTransitiveDelegate,
		capability.ScopeLocal)
	if err != nil {
		// Roll the allocation back through the node that made it.
		if allocCap := r.caps.Find(CapabilityID(allocator.ID())); allocCap != nil {
			if freeErr := allocator.FreeMem(allocCap, handle); freeErr != nil {
				r.logger.Warn("rollback free failed", "buffer", id, "error", freeErr)
			}
		}
		r.enforcer.ReleaseMemory(aligned)
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDelegationFailed, err),
			"registry", "CreateBuffer", "capability mint")
	}
	bufCap.BindResource(id, aligned)

	buf := &Buffer{
		ID:          id,
		Handle:      handle,
		Size:        size,
		AlignedSize: aligned,
		NodeID:      allocator.ID(),
	}

	r.mu.Lock()
	r.buffers[id] = buf
	live := r.caps.Len()
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordCapabilitiesLive(live)
	}
	r.logger.Debug("buffer created", "buffer", id, "bytes", aligned, "allocator", allocator.ID())
	return buf, nil
}

// FindCapability looks up a capability by identifier. Requires Read.
// Absence is a silent miss: callers use this for routine existence
// probing, so a nil result with a nil error means "not present".
func (r *Registry) FindCapability(capID string, cap *capability.Capability) (*capability.Capability, error) {
	if err := r.checkCap(cap, capability.PermRead, "FindCapability"); err != nil {
		return nil, err
	}
	return r.caps.Find(capID), nil
}

// Node returns a registered node by identifier.
func (r *Registry) Node(id string) (node.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Buffer returns a registered buffer by identifier.
func (r *Registry) Buffer(id string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[id]
	return b, ok
}

// NodeCount returns the number of registered nodes.
func (r *Registry) NodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// BufferCount returns the number of registered buffers.
func (r *Registry) BufferCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// CapabilityCount returns the number of live capabilities, including
// the root.
func (r *Registry) CapabilityCount() int {
	return r.caps.Len()
}

// ReleaseResources tears the registry down: it marks the registry
// stalled, frees all buffer memory through the owning nodes, revokes
// every non-root capability, clears the maps and leaves only the root
// capability in place. Idempotent. Requires Write on a capability
// bound to this registry.
func (r *Registry) ReleaseResources(cap *capability.Capability) error {
	if err := r.checkCap(cap, capability.PermWrite, "ReleaseResources"); err != nil {
		return err
	}
	r.MarkStalled()

	r.mu.Lock()
	buffers := make([]*Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		buffers = append(buffers, b)
	}
	nodes := r.nodes
	r.nodes = make(map[string]node.Node)
	r.buffers = make(map[string]*Buffer)
	r.mu.Unlock()

	// Free buffer memory through the owning nodes while their
	// capabilities are still live.
	for _, b := range buffers {
		owner, ok := nodes[b.NodeID].(*node.ComputeNode)
		ownerCap := r.caps.Find(CapabilityID(b.NodeID))
		if !ok || ownerCap == nil {
			r.logger.Warn("buffer owner gone, freeing via device", "buffer", b.ID)
			if err := r.deps.Device.FreeMem(b.Handle); err != nil {
				r.logger.Warn("device free failed", "buffer", b.ID, "error", err)
			}
		} else if err := owner.FreeMem(ownerCap, b.Handle); err != nil {
			r.logger.Warn("buffer free failed", "buffer", b.ID, "error", err)
		}
		r.enforcer.ReleaseMemory(b.AlignedSize)
	}

	r.caps.Reset()
	r.enforcer.Reset()

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordCapabilitiesLive(r.caps.Len())
	}
	r.logger.Info("registry released",
		"nodes_freed", len(nodes),
		"buffers_freed", len(buffers))
	return nil
}
