package rpcnats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/metric"
	"github.com/weftworks/weft/orchestrator"
	"github.com/weftworks/weft/pkg/retry"
)

// Client is the NATS-backed RPC collaborator: JSON request/reply on
// the worker control subjects. It implements
// orchestrator.WorkerClient.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	retry   retry.Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

var _ orchestrator.WorkerClient = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds one control round trip. Defaults to 5s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry overrides the transport retry policy.
func WithRetry(cfg retry.Config) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithLogger sets the client logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches the platform metrics.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates an RPC client over an established NATS connection.
func NewClient(nc *nats.Conn, opts ...ClientOption) (*Client, error) {
	if nc == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil connection: %w", errors.ErrInvalidArgument),
			"rpcnats", "NewClient", "connection validation")
	}
	c := &Client{
		nc:      nc,
		timeout: 5 * time.Second,
		retry:   retry.DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rpcnats")
	return c, nil
}

// request performs one control round trip. Transport failures are
// retried under the client policy; an error reported by the worker is
// final and not retried.
func (c *Client) request(ctx context.Context, worker string, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "rpcnats", "request", "request encoding")
	}

	subject := ControlSubject(worker)
	start := time.Now()
	resp, err := retry.DoWithResult(ctx, c.retry, func() (*Response, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		msg, err := c.nc.RequestWithContext(reqCtx, subject, data)
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%s %s: %v: %w", req.Op, worker, err, errors.ErrTimeout),
				"rpcnats", "request", "round trip")
		}

		var resp Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return nil, retry.NonRetryable(errors.WrapInvalid(
				err, "rpcnats", "request", "response decoding"))
		}
		if !resp.OK {
			// The worker ran the operation and rejected it; retrying
			// the same call cannot change the outcome.
			return nil, retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%s on %s: %s: %w", req.Op, worker, resp.Error, errors.ErrExecutionFailed),
				"rpcnats", "request", "worker rejection"))
		}
		return &resp, nil
	})
	if c.metrics != nil {
		c.metrics.RecordRPCDuration(string(req.Op), time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Deploy validates the descriptor against the wire schema and ships it
// to the worker, returning the deployed instance identifier.
func (c *Client) Deploy(ctx context.Context, worker string, desc orchestrator.Descriptor) (string, error) {
	if err := ValidateDescriptor(desc); err != nil {
		return "", err
	}
	resp, err := c.request(ctx, worker, Request{Op: OpDeploy, Deployment: &desc})
	if err != nil {
		return "", err
	}
	if resp.InstanceID == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("deploy on %s returned no instance id: %w", worker, errors.ErrInvalidState),
			"rpcnats", "Deploy", "response check")
	}
	return resp.InstanceID, nil
}

// Execute starts a deployed instance.
func (c *Client) Execute(ctx context.Context, worker, instanceID string) error {
	_, err := c.request(ctx, worker, Request{Op: OpExecute, InstanceID: instanceID})
	return err
}

// Stop halts a deployed instance.
func (c *Client) Stop(ctx context.Context, worker, instanceID string) error {
	_, err := c.request(ctx, worker, Request{Op: OpStop, InstanceID: instanceID})
	return err
}

// Undeploy releases a deployed instance.
func (c *Client) Undeploy(ctx context.Context, worker, instanceID string) error {
	_, err := c.request(ctx, worker, Request{Op: OpUndeploy, InstanceID: instanceID})
	return err
}

// SetupLink stands up one side of a cross-device link on the worker.
func (c *Client) SetupLink(ctx context.Context, worker, instanceID string,
	req orchestrator.LinkRequest) (orchestrator.EndpointInfo, error) {
	resp, err := c.request(ctx, worker, Request{Op: OpSetupLink, InstanceID: instanceID, Link: &req})
	if err != nil {
		return orchestrator.EndpointInfo{}, err
	}
	if resp.Endpoint == nil {
		return orchestrator.EndpointInfo{}, nil
	}
	return *resp.Endpoint, nil
}
