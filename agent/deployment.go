package agent

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/executor"
	"github.com/weftworks/weft/node"
	"github.com/weftworks/weft/orchestrator"
	"github.com/weftworks/weft/registry"
	"github.com/weftworks/weft/vlan"
)

// pipelineBufferID names the transfer buffer a deployment allocates
// for its edge stages.
const pipelineBufferID = "pipeline_io"

// defaultBufferBytes sizes the transfer buffer when the descriptor
// does not.
const defaultBufferBytes = 4096

// linkStage is the setup surface shared by the node kinds that can
// terminate a cross-device link: network nodes and remote proxies.
type linkStage interface {
	Listen(ctx context.Context, cap *capability.Capability, addr string) (string, error)
	Connect(ctx context.Context, cap *capability.Capability, addr string) error
}

// deployment is one instantiated partition: its registry, executor,
// live stage list and the link stages awaiting setup.
type deployment struct {
	id   string
	desc orchestrator.Descriptor

	reg    *registry.Registry
	exec   *executor.Executor
	stages []node.Node
	links  map[string]linkStage
	io     executor.PlanIO

	mu      sync.Mutex
	running bool
	runErr  error
}

// buildDeployment turns a deployment descriptor into a live registry
// with one node per stage, each initialized through its minted
// capability, plus the pipeline transfer buffer when a compute stage
// is present to allocate it.
func (a *Agent) buildDeployment(instanceID string, desc orchestrator.Descriptor) (*deployment, error) {
	reg, err := registry.New(instanceID, registry.Config{Enforce: a.cfg.Enforce}, registry.Deps{
		Device:  a.deps.Device,
		Routes:  a.deps.Routes,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(reg, a.cfg.Executor, a.logger, a.metrics)
	if err != nil {
		return nil, err
	}

	d := &deployment{
		id:    instanceID,
		desc:  desc,
		reg:   reg,
		exec:  exec,
		links: make(map[string]linkStage),
	}
	root := reg.Root()

	cleanup := func(err error) (*deployment, error) {
		if relErr := reg.ReleaseResources(root); relErr != nil {
			a.logger.Warn("cleanup after failed build", "instance", instanceID, "error", relErr)
		}
		return nil, err
	}

	for _, spec := range desc.Stages {
		nodeSpec, err := a.nodeSpec(spec)
		if err != nil {
			return cleanup(err)
		}
		n, err := reg.CreateNode(root, nodeSpec)
		if err != nil {
			return cleanup(err)
		}

		nodeCap, err := reg.FindCapability(registry.CapabilityID(spec.ID), root)
		if err != nil || nodeCap == nil {
			return cleanup(errors.WrapInvalid(
				fmt.Errorf("capability for stage %s missing: %w", spec.ID, errors.ErrNotFound),
				"agent", "buildDeployment", "capability lookup"))
		}
		if err := n.Initialize(nodeCap); err != nil {
			return cleanup(err)
		}

		d.stages = append(d.stages, n)
		if spec.IsLink() || spec.ID == desc.LinkID {
			if ls, ok := n.(linkStage); ok {
				d.links[spec.ID] = ls
			}
		}
	}

	if err := a.allocatePipelineBuffer(d, root); err != nil {
		return cleanup(err)
	}
	return d, nil
}

// allocatePipelineBuffer creates the edge transfer buffer through the
// partition's compute stages. A partition without a compute stage runs
// on fabric offsets alone and keeps null handles.
func (a *Agent) allocatePipelineBuffer(d *deployment, root *capability.Capability) error {
	hasCompute := false
	for _, n := range d.stages {
		if n.Kind() == node.KindCompute {
			hasCompute = true
			break
		}
	}
	if !hasCompute {
		return nil
	}

	size := d.desc.BufferBytes
	if size == 0 {
		size = defaultBufferBytes
	}
	buf, err := d.reg.CreateBuffer(root, pipelineBufferID, size)
	if err != nil {
		return err
	}
	d.io = executor.PlanIO{Read: buf.Handle, Write: buf.Handle, Length: buf.Size}
	return nil
}

// nodeSpec maps one wire stage spec onto a registry node spec,
// constructing the transport for network and remote stages.
func (a *Agent) nodeSpec(spec orchestrator.StageSpec) (registry.NodeSpec, error) {
	kind, err := node.ParseKind(spec.Kind)
	if err != nil {
		return registry.NodeSpec{}, err
	}

	ns := registry.NodeSpec{
		ID:    spec.ID,
		Kind:  kind,
		OpTag: device.OpTag(spec.OpTag),
	}
	switch {
	case kind == node.KindCompute:
		ns.Thread = spec.Thread
	case kind.IsNetwork():
		ns.Transport = a.newTransport()
		cfg := node.DefaultNetworkConfig()
		cfg.VLAN.Tag = vlan.Tag(spec.VLANTag)
		cfg.VLAN.Enforce = spec.VLANTag != 0
		ns.Network = cfg
	case kind.IsSoftware():
		ns.Software = node.SoftwareConfig{
			MaxMemory:  spec.MaxMemory,
			RatePerSec: spec.RatePerSec,
		}
	case kind == node.KindRemoteProxy:
		ns.Transport = a.newTransport()
		cfg := node.DefaultRemoteConfig()
		cfg.RemoteTag = vlan.Tag(spec.VLANTag)
		cfg.Local.Enforce = spec.VLANTag != 0
		ns.Remote = cfg
		ns.Secret = a.cfg.Secret
	}
	return ns, nil
}

// setupLink stands up one side of a cross-device link. The
// non-initiator side listens and reports its bound endpoint; the
// initiator side dials a previously reported endpoint. The roles must
// run in that order across the two workers.
func (d *deployment) setupLink(ctx context.Context, req orchestrator.LinkRequest) (orchestrator.EndpointInfo, error) {
	ls, ok := d.links[req.NodeID]
	if !ok {
		return orchestrator.EndpointInfo{}, errors.WrapInvalid(
			fmt.Errorf("no link node %q in instance %s: %w", req.NodeID, d.id, errors.ErrNodeNotFound),
			"agent", "setupLink", "link lookup")
	}
	nodeCap := d.reg.Root()

	if !req.Initiator {
		addr, err := ls.Listen(ctx, nodeCap, "127.0.0.1:0")
		if err != nil {
			return orchestrator.EndpointInfo{}, err
		}
		// A TCP bind reports its ephemeral port; an in-memory fabric
		// keeps the requested address verbatim. In the latter case the
		// whole address travels in Address and Port stays zero.
		if host, portStr, err := net.SplitHostPort(addr); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				return orchestrator.EndpointInfo{Address: host, Port: port}, nil
			}
		}
		return orchestrator.EndpointInfo{Address: addr}, nil
	}

	if req.PeerAddress == "" {
		return orchestrator.EndpointInfo{}, errors.WrapInvalid(
			fmt.Errorf("initiator without peer endpoint: %w", errors.ErrInvalidArgument),
			"agent", "setupLink", "peer validation")
	}
	peer := req.PeerAddress
	if req.PeerPort > 0 {
		peer = net.JoinHostPort(req.PeerAddress, strconv.Itoa(req.PeerPort))
	}
	if err := ls.Connect(ctx, nodeCap, peer); err != nil {
		return orchestrator.EndpointInfo{}, err
	}
	return orchestrator.EndpointInfo{Address: req.PeerAddress, Port: req.PeerPort}, nil
}

// run executes the deployment's stage sequence once, recording the
// outcome for later status queries.
func (d *deployment) run(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	err := d.exec.Run(ctx, d.reg.Root(), d.stages, d.io)

	d.mu.Lock()
	d.running = false
	d.runErr = err
	d.mu.Unlock()
}

// stop stalls the deployment's registry, aborting any in-progress
// completion wait, and shuts the stages down.
func (d *deployment) stop() {
	d.reg.MarkStalled()
	root := d.reg.Root()
	for _, n := range d.stages {
		if cap, err := d.reg.FindCapability(registry.CapabilityID(n.ID()), root); err == nil && cap != nil {
			_ = n.Shutdown(cap)
		}
	}
}

// release tears the deployment's registry down.
func (d *deployment) release() error {
	return d.reg.ReleaseResources(d.reg.Root())
}

// lastError returns the most recent run result.
func (d *deployment) lastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runErr
}
