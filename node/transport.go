package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/vlan"
)

// Frame is one unit of link traffic: a payload stamped with the
// sender's route tag.
type Frame struct {
	Tag     vlan.Tag
	Payload []byte
}

// Transport moves frames between two link endpoints. Network nodes own
// exactly one transport; the resilience policy above it decides about
// retries and reconnects.
//
// A Receive that times out waiting for traffic returns an empty payload
// and no error. Callers treat zero bytes as a timeout signal.
type Transport interface {
	// Listen prepares the receive side and returns the bound address
	// for the peer to connect to.
	Listen(ctx context.Context, addr string) (string, error)

	// Connect dials a listening peer.
	Connect(ctx context.Context, addr string) error

	// Send transmits one frame and returns the payload bytes written.
	Send(ctx context.Context, payload []byte, tag vlan.Tag) (int, error)

	// Receive waits for one frame.
	Receive(ctx context.Context) ([]byte, vlan.Tag, error)

	Connected() bool
	LocalAddr() string
	Close() error
}

// defaultRecvTimeout bounds a single Receive wait before it reports
// the zero-byte timeout signal.
const defaultRecvTimeout = 100 * time.Millisecond

// LoopbackNetwork connects loopback transports by address inside one
// process. Tests and hardware-less agents run their links over it.
type LoopbackNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*LoopbackTransport
}

// NewLoopbackNetwork creates an empty loopback fabric.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{endpoints: make(map[string]*LoopbackTransport)}
}

func (n *LoopbackNetwork) register(addr string, t *LoopbackTransport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[addr]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("address %q: %w", addr, errors.ErrAlreadyExists),
			"transport", "Listen", "address registration")
	}
	n.endpoints[addr] = t
	return nil
}

func (n *LoopbackNetwork) lookup(addr string) (*LoopbackTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.endpoints[addr]
	return t, ok
}

func (n *LoopbackNetwork) unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// LoopbackTransport is an in-memory Transport over a LoopbackNetwork.
type LoopbackTransport struct {
	network *LoopbackNetwork

	mu        sync.Mutex
	localAddr string
	inbox     chan Frame
	peer      chan Frame
	connected bool
	closed    bool

	recvTimeout time.Duration

	sendErr error
	recvErr error
}

var _ Transport = (*LoopbackTransport)(nil)

// NewLoopbackTransport creates an unbound endpoint on the fabric.
func NewLoopbackTransport(network *LoopbackNetwork) *LoopbackTransport {
	return &LoopbackTransport{
		network:     network,
		inbox:       make(chan Frame, 64),
		recvTimeout: defaultRecvTimeout,
	}
}

// SetRecvTimeout overrides the single-wait receive timeout.
func (t *LoopbackTransport) SetRecvTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > 0 {
		t.recvTimeout = d
	}
}

// SetSendErr injects a send failure for tests. Nil clears it.
func (t *LoopbackTransport) SetSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// SetRecvErr injects a receive failure for tests. Nil clears it.
func (t *LoopbackTransport) SetRecvErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvErr = err
}

// Listen binds the endpoint at addr on the fabric.
func (t *LoopbackTransport) Listen(_ context.Context, addr string) (string, error) {
	if addr == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("empty address: %w", errors.ErrInvalidArgument),
			"transport", "Listen", "address validation")
	}
	if err := t.network.register(addr, t); err != nil {
		return "", err
	}
	t.mu.Lock()
	t.localAddr = addr
	t.mu.Unlock()
	return addr, nil
}

// Connect wires this endpoint to a listening peer in both directions.
func (t *LoopbackTransport) Connect(_ context.Context, addr string) error {
	peer, ok := t.network.lookup(addr)
	if !ok {
		return errors.WrapTransient(
			fmt.Errorf("no endpoint at %q: %w", addr, errors.ErrConnectFailed),
			"transport", "Connect", "peer lookup")
	}
	if peer == t {
		return errors.WrapInvalid(
			fmt.Errorf("cannot connect to self: %w", errors.ErrInvalidArgument),
			"transport", "Connect", "peer lookup")
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("endpoint already connected: %w", errors.ErrAlreadyConnected),
			"transport", "Connect", "state check")
	}
	t.peer = peer.inbox
	t.connected = true
	t.mu.Unlock()

	peer.mu.Lock()
	peer.peer = t.inbox
	peer.connected = true
	peer.mu.Unlock()
	return nil
}

// Send delivers one frame to the peer inbox.
func (t *LoopbackTransport) Send(ctx context.Context, payload []byte, tag vlan.Tag) (int, error) {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return 0, errors.WrapTransient(err, "transport", "Send", "frame delivery")
	}
	if !t.connected || t.closed {
		t.mu.Unlock()
		return 0, errors.WrapTransient(
			fmt.Errorf("endpoint not connected: %w", errors.ErrNotConnected),
			"transport", "Send", "state check")
	}
	peer := t.peer
	t.mu.Unlock()

	frame := Frame{Tag: tag, Payload: append([]byte(nil), payload...)}
	select {
	case peer <- frame:
		return len(payload), nil
	case <-ctx.Done():
		return 0, errors.WrapTransient(ctx.Err(), "transport", "Send", "frame delivery")
	}
}

// Receive waits for one frame, returning the zero-byte timeout signal
// when nothing arrives in time.
func (t *LoopbackTransport) Receive(ctx context.Context) ([]byte, vlan.Tag, error) {
	t.mu.Lock()
	if t.recvErr != nil {
		err := t.recvErr
		t.mu.Unlock()
		return nil, 0, errors.WrapTransient(err, "transport", "Receive", "frame wait")
	}
	if !t.connected || t.closed {
		t.mu.Unlock()
		return nil, 0, errors.WrapTransient(
			fmt.Errorf("endpoint not connected: %w", errors.ErrNotConnected),
			"transport", "Receive", "state check")
	}
	timeout := t.recvTimeout
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-t.inbox:
		return frame.Payload, frame.Tag, nil
	case <-timer.C:
		return nil, 0, nil
	case <-ctx.Done():
		return nil, 0, errors.WrapTransient(ctx.Err(), "transport", "Receive", "frame wait")
	}
}

// Connected reports link state.
func (t *LoopbackTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// LocalAddr returns the bound address, empty if never listened.
func (t *LoopbackTransport) LocalAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localAddr
}

// Close detaches the endpoint from the fabric.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	addr := t.localAddr
	t.connected = false
	t.closed = true
	t.mu.Unlock()

	if addr != "" {
		t.network.unregister(addr)
	}
	return nil
}

// Reopen clears the closed flag so a reconnect can reuse the endpoint.
// Loopback only; real transports rebuild their sockets instead.
func (t *LoopbackTransport) Reopen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = false
	t.connected = false
}
