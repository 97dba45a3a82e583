package node

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/vlan"
)

// QoSConfig is a network node's traffic class.
type QoSConfig struct {
	Priority      int `json:"priority"`
	BandwidthKbps int `json:"bandwidth_kbps"`
}

// Validate checks the traffic class bounds.
func (q QoSConfig) Validate() error {
	if q.Priority < 0 || q.Priority > 7 {
		return errors.WrapInvalid(
			fmt.Errorf("priority %d outside 0..7: %w", q.Priority, errors.ErrInvalidArgument),
			"node", "QoSConfig.Validate", "priority bounds")
	}
	if q.BandwidthKbps < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("negative bandwidth: %w", errors.ErrInvalidArgument),
			"node", "QoSConfig.Validate", "bandwidth bounds")
	}
	return nil
}

// NetworkConfig bundles a network node's link settings.
type NetworkConfig struct {
	VLAN  VLANConfig
	QoS   QoSConfig
	Retry RetryPolicy
}

// DefaultNetworkConfig returns the link defaults with VLAN enforcement
// on.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		VLAN:  VLANConfig{Enforce: true},
		Retry: DefaultRetryPolicy(),
	}
}

// NetworkNode is a cross-device link stage. The RDMA, TCP and raw
// Ethernet variants share this implementation over different
// transports.
type NetworkNode struct {
	*core
	link *link
	qos  QoSConfig
}

var _ Node = (*NetworkNode)(nil)

// NewNetworkNode creates a network node of the given variant over the
// supplied transport.
func NewNetworkNode(id string, kind Kind, op device.OpTag, transport Transport,
	cfg NetworkConfig, deps Deps) (*NetworkNode, error) {
	if !kind.IsNetwork() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("kind %s is not a network variant: %w", kind, errors.ErrInvalidArgument),
			"node", "NewNetworkNode", "kind validation")
	}
	if transport == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil transport: %w", errors.ErrInvalidArgument),
			"node", "NewNetworkNode", "transport validation")
	}
	if err := cfg.QoS.Validate(); err != nil {
		return nil, err
	}

	c, err := newCore(id, kind, op, deps)
	if err != nil {
		return nil, err
	}
	return &NetworkNode{
		core: c,
		link: newLink(id, transport, cfg.VLAN, cfg.Retry, c.gate, c.logger, c.metrics),
		qos:  cfg.QoS,
	}, nil
}

// Initialize requires NET_ESTABLISH.
func (n *NetworkNode) Initialize(cap *capability.Capability) error {
	return n.initialize(cap)
}

// Shutdown closes the link and retires the node.
func (n *NetworkNode) Shutdown(cap *capability.Capability) error {
	if err := n.shutdown(cap); err != nil {
		return err
	}
	if err := n.link.disconnect(); err != nil {
		n.logger.Warn("transport close failed", "error", err)
	}
	return nil
}

// IsReady reports whether the node can take work.
func (n *NetworkNode) IsReady(cap *capability.Capability) (bool, error) {
	return n.isReady(cap)
}

// Execute issues the node's stage transfer to the device.
func (n *NetworkNode) Execute(cap *capability.Capability, desc device.TransferDescriptor) error {
	return n.execute(cap, desc)
}

// ClearCompletion resets completion state ahead of a run.
func (n *NetworkNode) ClearCompletion(cap *capability.Capability) error {
	return n.clearCompletion(cap)
}

// CheckCompletion polls the node's operation slot.
func (n *NetworkNode) CheckCompletion(cap *capability.Capability) (bool, error) {
	return n.checkCompletion(cap)
}

// Listen prepares the receive side of the link and returns the bound
// endpoint address. Requires NET_ESTABLISH.
func (n *NetworkNode) Listen(ctx context.Context, cap *capability.Capability, addr string) (string, error) {
	if err := n.checkCap(cap, capability.PermNetEstablish, "listen"); err != nil {
		return "", err
	}
	if n.Status() != StatusInitialized {
		return "", errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", n.id, n.Status(), errors.ErrInvalidState),
			"node", "Listen", "state check")
	}
	return n.link.listen(ctx, addr)
}

// Connect dials a listening peer. Requires NET_ESTABLISH.
func (n *NetworkNode) Connect(ctx context.Context, cap *capability.Capability, addr string) error {
	if err := n.checkCap(cap, capability.PermNetEstablish, "connect"); err != nil {
		return err
	}
	status := n.Status()
	if status == StatusConnected {
		return errors.WrapInvalid(
			fmt.Errorf("node %s: %w", n.id, errors.ErrAlreadyConnected),
			"node", "Connect", "state check")
	}
	if status != StatusInitialized {
		return errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", n.id, status, errors.ErrInvalidState),
			"node", "Connect", "state check")
	}

	if err := n.link.connect(ctx, addr); err != nil {
		return err
	}
	n.setStatus(StatusConnected)
	n.logger.Info("link connected", "peer", addr)
	return nil
}

// MarkConnected records an accepted inbound connection. The listening
// side of a link calls this once its peer has dialed in.
func (n *NetworkNode) MarkConnected(cap *capability.Capability) error {
	if err := n.checkCap(cap, capability.PermNetEstablish, "mark_connected"); err != nil {
		return err
	}
	if n.Status() != StatusInitialized {
		return errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", n.id, n.Status(), errors.ErrInvalidState),
			"node", "MarkConnected", "state check")
	}
	n.setStatus(StatusConnected)
	return nil
}

// Disconnect drops the link back to initialized.
func (n *NetworkNode) Disconnect(cap *capability.Capability) error {
	if err := n.checkCap(cap, capability.PermNetEstablish, "disconnect"); err != nil {
		return err
	}
	if err := n.link.disconnect(); err != nil {
		return err
	}
	if n.Status() == StatusConnected {
		n.setStatus(StatusInitialized)
	}
	return nil
}

// Send pushes a payload over the link under the node's resilience
// policy. Requires NET_SEND.
func (n *NetworkNode) Send(ctx context.Context, cap *capability.Capability, payload []byte) (TransferResult, error) {
	if err := n.checkCap(cap, capability.PermNetSend, "send"); err != nil {
		return TransferResult{}, err
	}
	return n.link.send(ctx, payload, n.link.vlanCfg.Tag)
}

// Receive waits for one inbound payload satisfying the VLAN policy.
// Requires NET_RECEIVE.
func (n *NetworkNode) Receive(ctx context.Context, cap *capability.Capability) ([]byte, vlan.Tag, error) {
	if err := n.checkCap(cap, capability.PermNetReceive, "receive"); err != nil {
		return nil, 0, err
	}
	return n.link.receive(ctx)
}

// SetQoS updates the traffic class. Requires QOS_MODIFY.
func (n *NetworkNode) SetQoS(cap *capability.Capability, qos QoSConfig) error {
	if err := n.checkCap(cap, capability.PermQoSModify, "set_qos"); err != nil {
		return err
	}
	if err := qos.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	n.qos = qos
	n.mu.Unlock()
	n.logger.Debug("qos updated", "priority", qos.Priority, "bandwidth_kbps", qos.BandwidthKbps)
	return nil
}

// QoS returns the current traffic class.
func (n *NetworkNode) QoS() QoSConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.qos
}

// VLANTag returns the tag this node stamps on outbound frames and
// expects on inbound ones.
func (n *NetworkNode) VLANTag() vlan.Tag {
	return n.link.vlanCfg.Tag
}

// LocalAddr returns the transport's bound address.
func (n *NetworkNode) LocalAddr() string {
	return n.link.transport.LocalAddr()
}

// Transport exposes the underlying transport for link wiring.
func (n *NetworkNode) Transport() Transport {
	return n.link.transport
}
