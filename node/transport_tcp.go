package node

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/vlan"
)

// tcpHeaderLen is the frame header: route tag (2 bytes, big endian)
// followed by payload length (4 bytes, big endian).
const tcpHeaderLen = 6

// maxFrameLen bounds a single frame so a corrupt header cannot demand
// an absurd allocation.
const maxFrameLen = 16 << 20

// TCPTransport is a Transport over one TCP connection with tag-framed
// messages. One side listens, the other connects.
type TCPTransport struct {
	mu        sync.Mutex
	listener  net.Listener
	conn      net.Conn
	connCh    chan net.Conn
	localAddr string
	closed    bool

	recvTimeout time.Duration
	writeMu     sync.Mutex
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport creates an unbound TCP endpoint.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{
		connCh:      make(chan net.Conn, 1),
		recvTimeout: defaultRecvTimeout,
	}
}

// SetRecvTimeout overrides the single-wait receive timeout.
func (t *TCPTransport) SetRecvTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > 0 {
		t.recvTimeout = d
	}
}

// Listen binds addr and accepts the first inbound connection in the
// background. The returned address carries the resolved port for
// addr forms like "127.0.0.1:0".
func (t *TCPTransport) Listen(_ context.Context, addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.WrapTransient(err, "transport", "Listen", "tcp bind")
	}

	t.mu.Lock()
	if t.listener != nil {
		t.mu.Unlock()
		_ = listener.Close()
		return "", errors.WrapInvalid(
			fmt.Errorf("already listening: %w", errors.ErrInvalidState),
			"transport", "Listen", "state check")
	}
	t.listener = listener
	t.localAddr = listener.Addr().String()
	t.mu.Unlock()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		select {
		case t.connCh <- conn:
		default:
			_ = conn.Close()
		}
	}()

	return t.localAddr, nil
}

// Connect dials a listening peer.
func (t *TCPTransport) Connect(ctx context.Context, addr string) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("endpoint already connected: %w", errors.ErrAlreadyConnected),
			"transport", "Connect", "state check")
	}
	t.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("dial %s: %v: %w", addr, err, errors.ErrConnectFailed),
			"transport", "Connect", "tcp dial")
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	if t.localAddr == "" {
		t.localAddr = conn.LocalAddr().String()
	}
	t.mu.Unlock()
	return nil
}

// waitConn returns the active connection, waiting for the background
// accept when the endpoint is the listening side.
func (t *TCPTransport) waitConn(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.WrapTransient(
			fmt.Errorf("endpoint closed: %w", errors.ErrNotConnected),
			"transport", "waitConn", "state check")
	}
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	listening := t.listener != nil
	timeout := t.recvTimeout
	t.mu.Unlock()

	if !listening {
		return nil, errors.WrapTransient(
			fmt.Errorf("endpoint not connected: %w", errors.ErrNotConnected),
			"transport", "waitConn", "state check")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case conn := <-t.connCh:
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		return conn, nil
	case <-timer.C:
		return nil, errors.WrapTransient(
			fmt.Errorf("no peer accepted yet: %w", errors.ErrNotConnected),
			"transport", "waitConn", "accept wait")
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "transport", "waitConn", "accept wait")
	}
}

// Send writes one framed message.
func (t *TCPTransport) Send(ctx context.Context, payload []byte, tag vlan.Tag) (int, error) {
	conn, err := t.waitConn(ctx)
	if err != nil {
		return 0, err
	}

	header := make([]byte, tcpHeaderLen)
	binary.BigEndian.PutUint16(header[0:2], uint16(tag))
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(header); err != nil {
		return 0, errors.WrapTransient(err, "transport", "Send", "header write")
	}
	n, err := conn.Write(payload)
	if err != nil {
		return n, errors.WrapTransient(err, "transport", "Send", "payload write")
	}
	return n, nil
}

// Receive reads one framed message, returning the zero-byte timeout
// signal when no frame arrives in time.
func (t *TCPTransport) Receive(ctx context.Context) ([]byte, vlan.Tag, error) {
	conn, err := t.waitConn(ctx)
	if err != nil {
		return nil, 0, err
	}

	t.mu.Lock()
	timeout := t.recvTimeout
	t.mu.Unlock()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	header := make([]byte, tcpHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		var nerr net.Error
		if stderrors.As(err, &nerr) && nerr.Timeout() {
			return nil, 0, nil
		}
		return nil, 0, errors.WrapTransient(err, "transport", "Receive", "header read")
	}

	tag := vlan.Tag(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxFrameLen {
		return nil, 0, errors.WrapInvalid(
			fmt.Errorf("frame length %d exceeds limit: %w", length, errors.ErrInvalidArgument),
			"transport", "Receive", "frame validation")
	}
	if length == 0 {
		return nil, tag, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, 0, errors.WrapTransient(err, "transport", "Receive", "payload read")
	}
	return payload, tag, nil
}

// Connected reports whether a connection is established.
func (t *TCPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

// LocalAddr returns the bound or dialed local address.
func (t *TCPTransport) LocalAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localAddr
}

// Close shuts the connection and any listener.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	var firstErr error
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			firstErr = err
		}
		t.conn = nil
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.listener = nil
	}
	if firstErr != nil {
		return errors.WrapTransient(firstErr, "transport", "Close", "socket close")
	}
	return nil
}
