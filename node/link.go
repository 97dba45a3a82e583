package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/metric"
	"github.com/weftworks/weft/pkg/retry"
	"github.com/weftworks/weft/vlan"
)

// VLANConfig is one link endpoint's traffic authentication policy.
type VLANConfig struct {
	// Tag is the route tag this endpoint expects on inbound frames.
	Tag vlan.Tag
	// AllowList holds additional acceptable inbound tags.
	AllowList []vlan.Tag
	// Enforce turns inbound tag checking on. Off accepts everything.
	Enforce bool
}

func (c VLANConfig) accepts(tag vlan.Tag) bool {
	if !c.Enforce {
		return true
	}
	if tag == c.Tag {
		return true
	}
	for _, allowed := range c.AllowList {
		if tag == allowed {
			return true
		}
	}
	return false
}

// RetryPolicy parameterizes the link resilience behavior per node.
type RetryPolicy struct {
	// MaxRetries bounds transport attempts per send or receive.
	MaxRetries int
	// RetryDelay separates those attempts.
	RetryDelay time.Duration
	// AutoReconnect reconnects to the last known peer when a transfer
	// finds the link down.
	AutoReconnect bool
	// MaxReconnectAttempts bounds one reconnect sequence.
	MaxReconnectAttempts int
	// ReconnectDelay separates reconnect attempts.
	ReconnectDelay time.Duration
	// MaxChunk truncates send payloads; results report the shortfall
	// as partial. Zero means no limit.
	MaxChunk int
}

// DefaultRetryPolicy returns the per-node resilience defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:           3,
		RetryDelay:           50 * time.Millisecond,
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       100 * time.Millisecond,
		MaxChunk:             4096,
	}
}

func (p *RetryPolicy) normalize() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 50 * time.Millisecond
	}
	if p.MaxReconnectAttempts <= 0 {
		p.MaxReconnectAttempts = 1
	}
	if p.ReconnectDelay <= 0 {
		p.ReconnectDelay = 100 * time.Millisecond
	}
	if p.MaxChunk < 0 {
		p.MaxChunk = 0
	}
}

// TransferGate admits a transfer's byte count against an external
// bandwidth budget before it reaches the caller. The registry's
// enforcement engine implements it; a nil gate means unlimited.
type TransferGate interface {
	AllowTransfer(resource string, bytes int) error
}

// TransferResult reports one transfer's outcome.
type TransferResult struct {
	// Bytes actually moved.
	Bytes int
	// Partial is set when fewer bytes moved than the caller asked for.
	Partial bool
}

// link layers the resilience policy over a transport. It performs no
// permission checks; the owning node gates every entry point.
type link struct {
	nodeID    string
	transport Transport
	vlanCfg   VLANConfig
	policy    RetryPolicy
	gate      TransferGate

	mu       sync.Mutex
	lastPeer string

	logger  *slog.Logger
	metrics *metric.Metrics
}

func newLink(nodeID string, transport Transport, vlanCfg VLANConfig, policy RetryPolicy,
	gate TransferGate, logger *slog.Logger, metrics *metric.Metrics) *link {
	policy.normalize()
	return &link{
		nodeID:    nodeID,
		transport: transport,
		vlanCfg:   vlanCfg,
		policy:    policy,
		gate:      gate,
		logger:    logger,
		metrics:   metrics,
	}
}

func (l *link) listen(ctx context.Context, addr string) (string, error) {
	return l.transport.Listen(ctx, addr)
}

func (l *link) connect(ctx context.Context, addr string) error {
	if l.transport.Connected() {
		return errors.WrapInvalid(
			fmt.Errorf("link already up: %w", errors.ErrAlreadyConnected),
			"link", "connect", "state check")
	}
	if err := l.transport.Connect(ctx, addr); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastPeer = addr
	l.mu.Unlock()
	return nil
}

func (l *link) disconnect() error {
	return l.transport.Close()
}

func (l *link) connected() bool {
	return l.transport.Connected()
}

// ensureConnected restores the link before a transfer. With
// auto-reconnect off or no known peer it fails immediately with
// not-connected; an exhausted reconnect sequence fails with
// reconnect-failed.
func (l *link) ensureConnected(ctx context.Context) error {
	if l.transport.Connected() {
		return nil
	}

	l.mu.Lock()
	peer := l.lastPeer
	l.mu.Unlock()

	if !l.policy.AutoReconnect || peer == "" {
		return errors.WrapTransient(
			fmt.Errorf("link down, no reconnect path: %w", errors.ErrNotConnected),
			"link", "ensureConnected", "link state check")
	}

	l.logger.Debug("reconnecting", "peer", peer, "attempts", l.policy.MaxReconnectAttempts)
	cfg := retry.Fixed(l.policy.MaxReconnectAttempts, l.policy.ReconnectDelay)
	err := retry.Do(ctx, cfg, func() error {
		return l.transport.Connect(ctx, peer)
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("reconnect to %s: %w: %w", peer, errors.ErrReconnectFailed, err),
			"link", "ensureConnected", "reconnect sequence")
	}
	return nil
}

// send pushes one payload with the given tag. Payloads over MaxChunk
// are truncated before the transport call; the result reports the
// shortfall. A zero-byte transport result is a timeout signal and is
// retried, never reported as success.
func (l *link) send(ctx context.Context, payload []byte, tag vlan.Tag) (TransferResult, error) {
	if err := l.ensureConnected(ctx); err != nil {
		return TransferResult{}, err
	}

	requested := len(payload)
	if l.policy.MaxChunk > 0 && requested > l.policy.MaxChunk {
		payload = payload[:l.policy.MaxChunk]
	}

	if l.gate != nil {
		if err := l.gate.AllowTransfer(l.nodeID, len(payload)); err != nil {
			return TransferResult{}, err
		}
	}

	attempt := 0
	start := time.Now()
	n, err := retry.DoWithResult(ctx, retry.Fixed(l.policy.MaxRetries, l.policy.RetryDelay),
		func() (int, error) {
			attempt++
			if attempt > 1 && l.metrics != nil {
				l.metrics.RecordTransferRetry(l.nodeID)
			}
			n, err := l.transport.Send(ctx, payload, tag)
			if err != nil {
				return 0, err
			}
			if n == 0 && len(payload) > 0 {
				return 0, fmt.Errorf("zero bytes sent: %w", errors.ErrTimeout)
			}
			return n, nil
		})
	if l.metrics != nil {
		l.metrics.RecordTransferDuration(l.nodeID, "send", time.Since(start))
	}
	if err != nil {
		return TransferResult{}, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrSendFailed, err),
			"link", "send", "transfer")
	}

	if l.metrics != nil {
		l.metrics.RecordTransferBytes(l.nodeID, "send", n)
	}
	return TransferResult{Bytes: n, Partial: n < requested}, nil
}

// receive waits for one inbound payload satisfying the VLAN policy. A
// tag rejection aborts immediately; timeouts and transport errors are
// retried within the policy budget.
func (l *link) receive(ctx context.Context) ([]byte, vlan.Tag, error) {
	if err := l.ensureConnected(ctx); err != nil {
		return nil, 0, err
	}

	type frame struct {
		payload []byte
		tag     vlan.Tag
	}

	attempt := 0
	start := time.Now()
	got, err := retry.DoWithResult(ctx, retry.Fixed(l.policy.MaxRetries, l.policy.RetryDelay),
		func() (frame, error) {
			attempt++
			if attempt > 1 && l.metrics != nil {
				l.metrics.RecordTransferRetry(l.nodeID)
			}
			payload, tag, err := l.transport.Receive(ctx)
			if err != nil {
				return frame{}, err
			}
			if len(payload) == 0 {
				return frame{}, fmt.Errorf("zero bytes received: %w", errors.ErrTimeout)
			}
			if !l.vlanCfg.accepts(tag) {
				l.logger.Warn("inbound frame rejected",
					"tag", tag.String(),
					"expected", l.vlanCfg.Tag.String())
				return frame{}, retry.NonRetryable(
					fmt.Errorf("tag %s rejected: %w", tag, errors.ErrVLANMismatch))
			}
			return frame{payload: payload, tag: tag}, nil
		})
	if l.metrics != nil {
		l.metrics.RecordTransferDuration(l.nodeID, "receive", time.Since(start))
	}
	if err != nil {
		return nil, 0, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrReceiveFailed, err),
			"link", "receive", "transfer")
	}

	// Inbound bytes draw on the same budget; an over-budget frame is
	// discarded rather than delivered.
	if l.gate != nil {
		if err := l.gate.AllowTransfer(l.nodeID, len(got.payload)); err != nil {
			return nil, 0, err
		}
	}

	if l.metrics != nil {
		l.metrics.RecordTransferBytes(l.nodeID, "receive", len(got.payload))
	}
	return got.payload, got.tag, nil
}
