package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/metric"
)

// Descriptor is the deployment unit sent to a worker: one partition
// plus the pipeline context it came from.
type Descriptor struct {
	Pipeline    string      `json:"pipeline"`
	Worker      string      `json:"worker"`
	BufferBytes uint64      `json:"buffer_bytes,omitempty"`
	Stages      []StageSpec `json:"stages"`
	OutboundTo  string      `json:"outbound_to,omitempty"`
	InboundFrom string      `json:"inbound_from,omitempty"`
	LinkID      string      `json:"link_id,omitempty"`
}

// LinkRequest asks a worker to stand up one side of a cross-device
// link. The non-initiator side prepares its receive endpoint and
// reports it; the initiator side connects to a previously reported
// endpoint.
type LinkRequest struct {
	// NodeID names the link stage inside the deployment.
	NodeID string `json:"node_id"`
	// PeerAddress and PeerPort locate the remote endpoint; set on the
	// initiator side only.
	PeerAddress string `json:"peer_address,omitempty"`
	PeerPort    int    `json:"peer_port,omitempty"`
	// BufferBytes sizes the link's transfer buffer.
	BufferBytes uint64 `json:"buffer_bytes,omitempty"`
	// Initiator selects the connecting role.
	Initiator bool `json:"initiator"`
}

// EndpointInfo is the receive endpoint a non-initiator worker reports.
type EndpointInfo struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// WorkerClient is the RPC collaborator reaching remote workers. The
// orchestrator treats it as an opaque request/response client.
type WorkerClient interface {
	Deploy(ctx context.Context, worker string, desc Descriptor) (string, error)
	Execute(ctx context.Context, worker, instanceID string) error
	Stop(ctx context.Context, worker, instanceID string) error
	Undeploy(ctx context.Context, worker, instanceID string) error
	SetupLink(ctx context.Context, worker, instanceID string, req LinkRequest) (EndpointInfo, error)
}

// Orchestrator splits one logical pipeline across physical workers,
// deploys the partitions, establishes the cross-device links in the
// mandatory two-phase order and drives execution and teardown.
type Orchestrator struct {
	client  WorkerClient
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.Mutex
	plan      *Plan
	instances map[string]string // worker -> deployed instance id
	linked    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics attaches the platform metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator over an RPC client.
func New(client WorkerClient, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil worker client: %w", errors.ErrInvalidArgument),
			"orchestrator", "New", "client validation")
	}
	o := &Orchestrator{
		client:    client,
		logger:    slog.Default(),
		instances: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o, nil
}

// Deploy splits the pipeline and ships each partition to its worker,
// retaining the returned instance identifiers for later execution and
// teardown. Partition deployments run concurrently.
func (o *Orchestrator) Deploy(ctx context.Context, p Pipeline) error {
	plan, err := Split(p)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.plan != nil {
		o.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("pipeline %s already deployed: %w", o.plan.Pipeline, errors.ErrInvalidState),
			"orchestrator", "Deploy", "state check")
	}
	o.plan = plan
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range plan.Partitions {
		g.Go(func() error {
			desc := Descriptor{
				Pipeline:    p.Name,
				Worker:      part.Worker,
				BufferBytes: p.BufferBytes,
				Stages:      part.Stages,
				OutboundTo:  part.OutboundTo,
				InboundFrom: part.InboundFrom,
				LinkID:      part.LinkID,
			}
			instanceID, err := o.client.Deploy(gctx, part.Worker, desc)
			if err != nil {
				return errors.Wrap(err, "orchestrator", "Deploy",
					fmt.Sprintf("deploy to %s", part.Worker))
			}

			o.mu.Lock()
			o.instances[part.Worker] = instanceID
			o.mu.Unlock()

			o.logger.Info("partition deployed",
				"pipeline", p.Name,
				"worker", part.Worker,
				"instance", instanceID,
				"stages", len(part.Stages))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A half-deployed pipeline is torn down rather than left
		// dangling on the workers that did accept.
		if terr := o.Teardown(ctx); terr != nil {
			o.logger.Warn("cleanup after failed deploy", "error", terr)
		}
		return err
	}
	return nil
}

// EstablishLinks connects every adjacent partition pair. The order is
// strictly two-phase per pair: the inbound-side worker first prepares
// its receive endpoint as the non-initiator and reports it; only then
// is the outbound-side worker instructed to connect as the initiator.
func (o *Orchestrator) EstablishLinks(ctx context.Context) error {
	o.mu.Lock()
	plan := o.plan
	instances := o.snapshotLocked()
	o.mu.Unlock()

	if plan == nil {
		return errors.WrapInvalid(
			fmt.Errorf("no deployed pipeline: %w", errors.ErrInvalidState),
			"orchestrator", "EstablishLinks", "state check")
	}

	for i := 0; i+1 < len(plan.Partitions); i++ {
		outbound := plan.Partitions[i]
		inbound := plan.Partitions[i+1]

		outInstance, ok := instances[outbound.Worker]
		if !ok {
			return o.missingInstance("EstablishLinks", outbound.Worker)
		}
		inInstance, ok := instances[inbound.Worker]
		if !ok {
			return o.missingInstance("EstablishLinks", inbound.Worker)
		}

		// Phase 1: receive side up first.
		endpoint, err := o.client.SetupLink(ctx, inbound.Worker, inInstance, LinkRequest{
			NodeID:      outbound.LinkID,
			BufferBytes: plan.BufferBytes,
			Initiator:   false,
		})
		if err != nil {
			return errors.Wrap(err, "orchestrator", "EstablishLinks",
				fmt.Sprintf("prepare endpoint on %s", inbound.Worker))
		}

		// Phase 2: connect side only after the endpoint exists.
		if _, err := o.client.SetupLink(ctx, outbound.Worker, outInstance, LinkRequest{
			NodeID:      outbound.LinkID,
			PeerAddress: endpoint.Address,
			PeerPort:    endpoint.Port,
			BufferBytes: plan.BufferBytes,
			Initiator:   true,
		}); err != nil {
			return errors.Wrap(err, "orchestrator", "EstablishLinks",
				fmt.Sprintf("connect from %s", outbound.Worker))
		}

		o.logger.Info("link established",
			"link", outbound.LinkID,
			"from", outbound.Worker,
			"to", inbound.Worker,
			"endpoint", fmt.Sprintf("%s:%d", endpoint.Address, endpoint.Port))
	}

	o.mu.Lock()
	o.linked = true
	o.mu.Unlock()
	return nil
}

// Execute issues a start call to every deployed instance. Multi-device
// pipelines must have their links established first.
func (o *Orchestrator) Execute(ctx context.Context) error {
	o.mu.Lock()
	plan := o.plan
	linked := o.linked
	instances := o.snapshotLocked()
	o.mu.Unlock()

	if plan == nil {
		return errors.WrapInvalid(
			fmt.Errorf("no deployed pipeline: %w", errors.ErrInvalidState),
			"orchestrator", "Execute", "state check")
	}
	if len(plan.Partitions) > 1 && !linked {
		return errors.WrapInvalid(
			fmt.Errorf("links not established: %w", errors.ErrInvalidState),
			"orchestrator", "Execute", "link check")
	}

	g, gctx := errgroup.WithContext(ctx)
	for worker, instanceID := range instances {
		g.Go(func() error {
			if err := o.client.Execute(gctx, worker, instanceID); err != nil {
				return errors.Wrap(err, "orchestrator", "Execute",
					fmt.Sprintf("start on %s", worker))
			}
			return nil
		})
	}
	return g.Wait()
}

// Teardown stops and undeploys every instance, then clears the
// instance table. Safe to call repeatedly; a teardown with nothing
// deployed is a no-op.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.mu.Lock()
	instances := o.snapshotLocked()
	o.plan = nil
	o.linked = false
	o.instances = make(map[string]string)
	o.mu.Unlock()

	var firstErr error
	for worker, instanceID := range instances {
		if err := o.client.Stop(ctx, worker, instanceID); err != nil {
			o.logger.Warn("stop failed", "worker", worker, "instance", instanceID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := o.client.Undeploy(ctx, worker, instanceID); err != nil {
			o.logger.Warn("undeploy failed", "worker", worker, "instance", instanceID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return errors.WrapTransient(firstErr, "orchestrator", "Teardown", "worker teardown")
	}
	return nil
}

// Instances returns a snapshot of the worker-to-instance table.
func (o *Orchestrator) Instances() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() map[string]string {
	out := make(map[string]string, len(o.instances))
	for k, v := range o.instances {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) missingInstance(op, worker string) error {
	return errors.WrapInvalid(
		fmt.Errorf("no instance deployed on %s: %w", worker, errors.ErrNotFound),
		"orchestrator", op, "instance lookup")
}
