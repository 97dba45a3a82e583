package node

import (
	"fmt"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
)

// ComputeNode is a stage bound to one accelerator execution thread. It
// is also the allocation path for buffers: the registry routes memory
// requests through an initialized compute node.
type ComputeNode struct {
	*core
	thread int
}

var _ Node = (*ComputeNode)(nil)

// NewComputeNode creates a compute node on the given execution thread.
func NewComputeNode(id string, op device.OpTag, thread int, deps Deps) (*ComputeNode, error) {
	if thread < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("thread %d: %w", thread, errors.ErrInvalidArgument),
			"node", "NewComputeNode", "thread validation")
	}
	c, err := newCore(id, KindCompute, op, deps)
	if err != nil {
		return nil, err
	}
	return &ComputeNode{core: c, thread: thread}, nil
}

// Thread returns the node's execution-thread handle.
func (n *ComputeNode) Thread() int {
	return n.thread
}

// Initialize requires WRITE.
func (n *ComputeNode) Initialize(cap *capability.Capability) error {
	return n.initialize(cap)
}

// Shutdown retires the node.
func (n *ComputeNode) Shutdown(cap *capability.Capability) error {
	return n.shutdown(cap)
}

// IsReady reports whether the node can take work.
func (n *ComputeNode) IsReady(cap *capability.Capability) (bool, error) {
	return n.isReady(cap)
}

// Execute issues the node's stage transfer to the device.
func (n *ComputeNode) Execute(cap *capability.Capability, desc device.TransferDescriptor) error {
	return n.execute(cap, desc)
}

// ClearCompletion resets completion state ahead of a run.
func (n *ComputeNode) ClearCompletion(cap *capability.Capability) error {
	return n.clearCompletion(cap)
}

// CheckCompletion polls the node's operation slot.
func (n *ComputeNode) CheckCompletion(cap *capability.Capability) (bool, error) {
	return n.checkCompletion(cap)
}

// AllocMem allocates device memory on the node's behalf. The size is
// rounded up to the device granularity; the aligned size is returned
// with the handle. Requires WRITE and an initialized node.
func (n *ComputeNode) AllocMem(cap *capability.Capability, size uint64) (device.MemHandle, uint64, error) {
	if err := n.checkCap(cap, capability.PermWrite, "alloc_mem"); err != nil {
		return device.MemNone, 0, err
	}
	if size == 0 {
		return device.MemNone, 0, errors.WrapInvalid(
			fmt.Errorf("zero-size allocation: %w", errors.ErrInvalidArgument),
			"node", "AllocMem", "size validation")
	}
	s := n.Status()
	if s != StatusInitialized && s != StatusConnected {
		return device.MemNone, 0, errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", n.id, s, errors.ErrNotInitialized),
			"node", "AllocMem", "state check")
	}

	aligned := device.AlignSize(size)
	handle, err := n.dev.GetMem(aligned)
	if err != nil {
		return device.MemNone, 0, errors.Wrap(err, "node", "AllocMem", "device allocation")
	}
	return handle, aligned, nil
}

// RouteSwitch programs the routing fabric with a 14-bit route id on
// the node's behalf. Requires EXECUTE and an initialized node.
func (n *ComputeNode) RouteSwitch(cap *capability.Capability, routeID uint16) error {
	if err := n.checkCap(cap, capability.PermExecute, "route_switch"); err != nil {
		return err
	}
	s := n.Status()
	if s != StatusInitialized && s != StatusConnected {
		return errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", n.id, s, errors.ErrNotInitialized),
			"node", "RouteSwitch", "state check")
	}
	if err := n.dev.IOSwitch(routeID); err != nil {
		return errors.Wrap(err, "node", "RouteSwitch", "fabric switch")
	}
	return nil
}

// FreeMem releases memory allocated through this node. Requires WRITE.
func (n *ComputeNode) FreeMem(cap *capability.Capability, handle device.MemHandle) error {
	if err := n.checkCap(cap, capability.PermWrite, "free_mem"); err != nil {
		return err
	}
	if err := n.dev.FreeMem(handle); err != nil {
		return errors.Wrap(err, "node", "FreeMem", "device free")
	}
	return nil
}
