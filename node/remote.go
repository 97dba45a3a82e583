package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/vlan"
)

// Grant describes one capability delegation to carry to a remote device.
type Grant struct {
	ID          string
	Permissions capability.Permission
	Scope       capability.Scope
	TTL         time.Duration
}

// RemoteConfig bundles a remote proxy's link and token settings.
type RemoteConfig struct {
	// Local is the inbound VLAN policy of the embedded link.
	Local VLANConfig
	// RemoteTag is stamped on outbound traffic toward the peer device.
	RemoteTag vlan.Tag
	// Retry parameterizes the embedded link's resilience policy.
	Retry RetryPolicy
	// Verifier parameterizes inbound token verification.
	Verifier VerifierConfig
}

// DefaultRemoteConfig returns remote proxy defaults with VLAN
// enforcement on.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Local:    VLANConfig{Enforce: true},
		Retry:    DefaultRetryPolicy(),
		Verifier: DefaultVerifierConfig(),
	}
}

// RemoteProxyNode stands in for a pipeline stage running on another
// physical device. It layers the replay-protected token protocol over
// an embedded network link: capability delegations travel as signed
// tokens, data transfers ride the same link under the remote tag.
type RemoteProxyNode struct {
	*core
	link      *link
	remoteTag vlan.Tag
	verifier  *TokenVerifier

	issueMu sync.Mutex
	nextSeq uint32
	secret  []byte
	now     func() time.Time
}

var _ Node = (*RemoteProxyNode)(nil)

// NewRemoteProxyNode creates a remote proxy over the supplied transport.
// The secret signs outbound tokens and verifies inbound ones; both
// devices of a pair must share it.
func NewRemoteProxyNode(id string, op device.OpTag, transport Transport, secret []byte,
	routes *vlan.RouteRegistry, cfg RemoteConfig, deps Deps) (*RemoteProxyNode, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil transport: %w", errors.ErrInvalidArgument),
			"node", "NewRemoteProxyNode", "transport validation")
	}
	if len(secret) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty secret: %w", errors.ErrInvalidArgument),
			"node", "NewRemoteProxyNode", "secret validation")
	}

	c, err := newCore(id, KindRemoteProxy, op, deps)
	if err != nil {
		return nil, err
	}
	verifier, err := NewTokenVerifier(secret, routes, cfg.Verifier)
	if err != nil {
		return nil, err
	}

	now := cfg.Verifier.Now
	if now == nil {
		now = time.Now
	}
	return &RemoteProxyNode{
		core:      c,
		link:      newLink(id, transport, cfg.Local, cfg.Retry, c.gate, c.logger, c.metrics),
		remoteTag: cfg.RemoteTag,
		verifier:  verifier,
		secret:    secret,
		now:       now,
	}, nil
}

// Initialize requires REMOTE_EXECUTE.
func (n *RemoteProxyNode) Initialize(cap *capability.Capability) error {
	return n.initialize(cap)
}

// Shutdown closes the embedded link and retires the node.
func (n *RemoteProxyNode) Shutdown(cap *capability.Capability) error {
	if err := n.shutdown(cap); err != nil {
		return err
	}
	if err := n.link.disconnect(); err != nil {
		n.logger.Warn("transport close failed", "error", err)
	}
	return nil
}

// IsReady reports whether the node can take work.
func (n *RemoteProxyNode) IsReady(cap *capability.Capability) (bool, error) {
	return n.isReady(cap)
}

// Execute issues the node's stage transfer to the device.
func (n *RemoteProxyNode) Execute(cap *capability.Capability, desc device.TransferDescriptor) error {
	return n.execute(cap, desc)
}

// ClearCompletion resets completion state ahead of a run.
func (n *RemoteProxyNode) ClearCompletion(cap *capability.Capability) error {
	return n.clearCompletion(cap)
}

// CheckCompletion polls the node's operation slot.
func (n *RemoteProxyNode) CheckCompletion(cap *capability.Capability) (bool, error) {
	return n.checkCompletion(cap)
}

// Listen prepares the receive side of the embedded link. Requires
// REMOTE_EXECUTE.
func (n *RemoteProxyNode) Listen(ctx context.Context, cap *capability.Capability, addr string) (string, error) {
	if err := n.checkCap(cap, capability.PermRemoteExecute, "listen"); err != nil {
		return "", err
	}
	if n.Status() != StatusInitialized {
		return "", errors.WrapInvalid(
			fmt.Errorf("node %s is %s: %w", n.id, n.Status(), errors.ErrInvalidState),
			"node", "Listen", "state check")
	}
	return n.link.listen(ctx, addr)
}

// Connect dials the peer device. Requires REMOTE_EXECUTE.
func (n *RemoteProxyNode) Connect(ctx context.Context, cap *capability.Capability, addr string) error {
	if err := n.checkCap(cap, capability.PermRemoteExecute, "connect"); err != nil {
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
	n.logger.Info("remote link connected", "peer", addr)
	return nil
}

// MarkConnected records an accepted inbound connection on the
// listening side.
func (n *RemoteProxyNode) MarkConnected(cap *capability.Capability) error {
	if err := n.checkCap(cap, capability.PermRemoteExecute, "mark_connected"); err != nil {
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

// IssueToken builds and signs the next delegation token for a grant.
// The sequence counter advances once per issued token and wraps at the
// 32-bit boundary; the verifier on the peer accepts the wrap as
// rollover. Requires REMOTE_DELEGATE.
func (n *RemoteProxyNode) IssueToken(cap *capability.Capability, grant Grant) (*Token, error) {
	if err := n.checkCap(cap, capability.PermRemoteDelegate, "issue_token"); err != nil {
		return nil, err
	}
	if grant.ID == "" || grant.Permissions == capability.PermNone {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty grant: %w", errors.ErrInvalidArgument),
			"node", "IssueToken", "grant validation")
	}
	if grant.TTL <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("non-positive ttl: %w", errors.ErrInvalidArgument),
			"node", "IssueToken", "grant validation")
	}

	n.issueMu.Lock()
	n.nextSeq++
	seq := n.nextSeq
	n.issueMu.Unlock()

	created := n.now()
	tok := &Token{
		GrantID:     grant.ID,
		Permissions: grant.Permissions,
		Scope:       grant.Scope,
		Sequence:    seq,
		Tag:         n.remoteTag,
		CreatedAt:   created,
		ExpiresAt:   created.Add(grant.TTL),
	}
	tok.Sign(n.secret)
	return tok, nil
}

// DelegateRemote issues a token for the grant and sends it over the
// link. Requires REMOTE_DELEGATE.
func (n *RemoteProxyNode) DelegateRemote(ctx context.Context, cap *capability.Capability, grant Grant) (*Token, error) {
	tok, err := n.IssueToken(cap, grant)
	if err != nil {
		return nil, err
	}
	data, err := tok.Marshal()
	if err != nil {
		return nil, err
	}

	res, err := n.link.send(ctx, data, n.remoteTag)
	if err != nil {
		return nil, err
	}
	if res.Partial {
		return nil, errors.WrapTransient(
			fmt.Errorf("token truncated to %d bytes: %w", res.Bytes, errors.ErrPartialTransfer),
			"node", "DelegateRemote", "token transfer")
	}
	n.logger.Debug("token delegated", "grant", grant.ID, "sequence", tok.Sequence)
	return tok, nil
}

// AcceptToken waits for one inbound token and runs the full
// verification chain. A failed token is discarded and the specific
// failure returned. Requires REMOTE_DELEGATE.
func (n *RemoteProxyNode) AcceptToken(ctx context.Context, cap *capability.Capability) (*Token, error) {
	if err := n.checkCap(cap, capability.PermRemoteDelegate, "accept_token"); err != nil {
		return nil, err
	}

	data, _, err := n.link.receive(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := UnmarshalToken(data)
	if err != nil {
		return nil, err
	}
	if err := n.verifier.Verify(tok); err != nil {
		return nil, err
	}
	n.logger.Debug("token accepted", "grant", tok.GrantID, "sequence", tok.Sequence)
	return tok, nil
}

// Send pushes a data payload to the remote device under the remote
// tag. Requires REMOTE_TRANSFER.
func (n *RemoteProxyNode) Send(ctx context.Context, cap *capability.Capability, payload []byte) (TransferResult, error) {
	if err := n.checkCap(cap, capability.PermRemoteTransfer, "send"); err != nil {
		return TransferResult{}, err
	}
	res, err := n.link.send(ctx, payload, n.remoteTag)
	if err != nil {
		return res, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrRemoteTransfer, err),
			"node", "Send", "remote transfer")
	}
	return res, nil
}

// Receive waits for one data payload satisfying the local VLAN policy.
// Requires REMOTE_TRANSFER.
func (n *RemoteProxyNode) Receive(ctx context.Context, cap *capability.Capability) ([]byte, vlan.Tag, error) {
	if err := n.checkCap(cap, capability.PermRemoteTransfer, "receive"); err != nil {
		return nil, 0, err
	}
	payload, tag, err := n.link.receive(ctx)
	if err != nil {
		return nil, 0, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrRemoteTransfer, err),
			"node", "Receive", "remote transfer")
	}
	return payload, tag, nil
}

// RemoteTag returns the tag stamped on outbound traffic.
func (n *RemoteProxyNode) RemoteTag() vlan.Tag {
	return n.remoteTag
}

// VLANTag returns the inbound tag of the embedded link.
func (n *RemoteProxyNode) VLANTag() vlan.Tag {
	return n.link.vlanCfg.Tag
}

// LocalAddr returns the embedded transport's bound address.
func (n *RemoteProxyNode) LocalAddr() string {
	return n.link.transport.LocalAddr()
}

// LastSequence returns the most recent issued sequence number.
func (n *RemoteProxyNode) LastSequence() uint32 {
	n.issueMu.Lock()
	defer n.issueMu.Unlock()
	return n.nextSeq
}
