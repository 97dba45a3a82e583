package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/executor"
	"github.com/weftworks/weft/health"
	"github.com/weftworks/weft/metric"
	"github.com/weftworks/weft/node"
	"github.com/weftworks/weft/orchestrator"
	"github.com/weftworks/weft/pkg/worker"
	"github.com/weftworks/weft/registry"
	"github.com/weftworks/weft/rpcnats"
	"github.com/weftworks/weft/vlan"
)

// Config parameterizes one worker agent.
type Config struct {
	// Worker is this agent's name on the control subject space.
	Worker string
	// Secret signs and verifies remote-proxy delegation tokens. All
	// workers of one fabric share it.
	Secret []byte
	// Enforce bounds each deployment's resource consumption.
	Enforce registry.EnforcerConfig
	// Executor parameterizes each deployment's completion wait.
	Executor executor.Config
	// MetricsPort serves /metrics and /healthz; 0 disables the server.
	MetricsPort int
}

// Deps carries the agent's collaborators.
type Deps struct {
	Conn    *nats.Conn
	Device  device.Device
	Routes  *vlan.RouteRegistry
	Metrics *metric.MetricsRegistry
	Health  *health.Monitor
	Logger  *slog.Logger

	// NewTransport overrides link transport construction. Nil uses
	// TCP; tests substitute loopback fabrics.
	NewTransport func() node.Transport
}

// Agent is the worker-side control service: it answers deploy,
// setup_link, execute, stop and undeploy calls on its NATS control
// subject, each deployment backed by its own registry and executor.
type Agent struct {
	cfg  Config
	deps Deps

	logger  *slog.Logger
	metrics *metric.Metrics
	runs    *worker.Pool[*deployment]

	sub       *nats.Subscription
	metricSrv *metric.Server

	mu          sync.Mutex
	deployments map[string]*deployment
	started     bool
}

// New creates a worker agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	if cfg.Worker == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty worker name: %w", errors.ErrInvalidArgument),
			"agent", "New", "config validation")
	}
	if deps.Conn == nil || deps.Device == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil connection or device: %w", errors.ErrInvalidArgument),
			"agent", "New", "dependency validation")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte(cfg.Worker)
	}

	a := &Agent{
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger.With("component", "agent", "worker", cfg.Worker),
		deployments: make(map[string]*deployment),
	}
	if deps.Metrics != nil {
		a.metrics = deps.Metrics.Core()
	}

	var poolOpts []worker.Option[*deployment]
	if deps.Metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[*deployment](deps.Metrics, "agent"))
	}
	runs, err := worker.NewPool(0, 0, func(ctx context.Context, d *deployment) error {
		d.run(ctx)
		return d.lastError()
	}, poolOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "agent", "New", "run pool construction")
	}
	if err := runs.Start(context.Background()); err != nil {
		return nil, errors.WrapFatal(err, "agent", "New", "run pool start")
	}
	a.runs = runs
	return a, nil
}

func (a *Agent) newTransport() node.Transport {
	if a.deps.NewTransport != nil {
		return a.deps.NewTransport()
	}
	return node.NewTCPTransport()
}

// Start subscribes the agent to its control subject and, when
// configured, serves metrics.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("agent already started: %w", errors.ErrInvalidState),
			"agent", "Start", "state check")
	}
	a.started = true
	a.mu.Unlock()

	subject := rpcnats.ControlSubject(a.cfg.Worker)
	sub, err := a.deps.Conn.Subscribe(subject, func(msg *nats.Msg) {
		a.handle(ctx, msg)
	})
	if err != nil {
		return errors.WrapTransient(err, "agent", "Start", "control subscription")
	}
	a.sub = sub

	if a.cfg.MetricsPort > 0 && a.deps.Metrics != nil {
		var srvOpts []metric.ServerOption
		if a.deps.Health != nil {
			srvOpts = append(srvOpts, metric.WithHealthMonitor(a.deps.Health))
		}
		a.metricSrv = metric.NewServer(a.cfg.MetricsPort, "", a.deps.Metrics, srvOpts...)
		go func() {
			if err := a.metricSrv.Start(); err != nil {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if a.deps.Health != nil {
		a.deps.Health.SetHealthy("agent", "listening on "+subject)
	}
	a.logger.Info("agent listening", "subject", subject)
	return nil
}

// Stop unsubscribes, tears down every deployment and stops the
// metrics server. Idempotent.
func (a *Agent) Stop() error {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	deployments := a.deployments
	a.deployments = make(map[string]*deployment)
	a.started = false
	a.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	for id, d := range deployments {
		d.stop()
		if err := d.release(); err != nil {
			a.logger.Warn("deployment release failed", "instance", id, "error", err)
		}
	}
	if err := a.runs.Stop(5 * time.Second); err != nil {
		a.logger.Warn("run pool stop", "error", err)
	}
	if a.deps.Health != nil {
		a.deps.Health.Remove("agent")
	}
	if a.metricSrv != nil {
		if err := a.metricSrv.Stop(); err != nil {
			a.logger.Warn("metrics server stop failed", "error", err)
		}
		a.metricSrv = nil
	}
	return nil
}

// handle answers one control request.
func (a *Agent) handle(ctx context.Context, msg *nats.Msg) {
	var req rpcnats.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.respond(msg, rpcnats.Fail(errors.WrapInvalid(err, "agent", "handle", "request decoding")))
		return
	}
	if err := req.Validate(); err != nil {
		a.respond(msg, rpcnats.Fail(err))
		return
	}

	resp := a.dispatch(ctx, req)
	a.respond(msg, resp)
}

// Dispatch routes one validated request to its handler. Exposed
// through handle for the wire and used directly by in-process tests.
func (a *Agent) dispatch(ctx context.Context, req rpcnats.Request) rpcnats.Response {
	switch req.Op {
	case rpcnats.OpDeploy:
		return a.handleDeploy(*req.Deployment)
	case rpcnats.OpSetupLink:
		return a.handleSetupLink(ctx, req.InstanceID, *req.Link)
	case rpcnats.OpExecute:
		return a.handleExecute(req.InstanceID)
	case rpcnats.OpStop:
		return a.handleStop(req.InstanceID)
	case rpcnats.OpUndeploy:
		return a.handleUndeploy(req.InstanceID)
	default:
		return rpcnats.Fail(errors.WrapInvalid(
			fmt.Errorf("unknown op %q: %w", req.Op, errors.ErrInvalidArgument),
			"agent", "dispatch", "op check"))
	}
}

func (a *Agent) respond(msg *nats.Msg, resp rpcnats.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("response encoding failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Warn("response delivery failed", "error", err)
	}
}

// handleDeploy validates the descriptor, builds the partition's
// registry and nodes and retains the instance under a fresh id.
func (a *Agent) handleDeploy(desc orchestrator.Descriptor) rpcnats.Response {
	if err := rpcnats.ValidateDescriptor(desc); err != nil {
		return rpcnats.Fail(err)
	}
	if desc.Worker != a.cfg.Worker {
		return rpcnats.Fail(errors.WrapInvalid(
			fmt.Errorf("descriptor for %s reached worker %s: %w",
				desc.Worker, a.cfg.Worker, errors.ErrInvalidArgument),
			"agent", "handleDeploy", "worker check"))
	}

	instanceID := uuid.NewString()
	d, err := a.buildDeployment(instanceID, desc)
	if err != nil {
		return rpcnats.Fail(err)
	}

	a.mu.Lock()
	a.deployments[instanceID] = d
	a.mu.Unlock()

	a.logger.Info("partition deployed",
		"pipeline", desc.Pipeline,
		"instance", instanceID,
		"stages", len(desc.Stages))
	return rpcnats.Response{OK: true, InstanceID: instanceID}
}

func (a *Agent) handleSetupLink(ctx context.Context, instanceID string, req orchestrator.LinkRequest) rpcnats.Response {
	d, err := a.deployment(instanceID)
	if err != nil {
		return rpcnats.Fail(err)
	}
	endpoint, err := d.setupLink(ctx, req)
	if err != nil {
		return rpcnats.Fail(err)
	}
	return rpcnats.Response{OK: true, InstanceID: instanceID, Endpoint: &endpoint}
}

// handleExecute hands the deployment to the run pool; the result is
// recorded on the deployment for later probes.
func (a *Agent) handleExecute(instanceID string) rpcnats.Response {
	d, err := a.deployment(instanceID)
	if err != nil {
		return rpcnats.Fail(err)
	}
	if d.reg.Stalled() {
		return rpcnats.Fail(errors.WrapFatal(
			fmt.Errorf("instance %s: %w", instanceID, errors.ErrRegistryStalled),
			"agent", "handleExecute", "stall check"))
	}
	if err := a.runs.Submit(d); err != nil {
		return rpcnats.Fail(errors.WrapTransient(
			fmt.Errorf("instance %s: %w", instanceID, err),
			"agent", "handleExecute", "run submission"))
	}
	return rpcnats.Response{OK: true, InstanceID: instanceID}
}

func (a *Agent) handleStop(instanceID string) rpcnats.Response {
	d, err := a.deployment(instanceID)
	if err != nil {
		return rpcnats.Fail(err)
	}
	d.stop()
	return rpcnats.Response{OK: true, InstanceID: instanceID}
}

func (a *Agent) handleUndeploy(instanceID string) rpcnats.Response {
	a.mu.Lock()
	d, ok := a.deployments[instanceID]
	delete(a.deployments, instanceID)
	a.mu.Unlock()

	if !ok {
		return rpcnats.Fail(errors.WrapInvalid(
			fmt.Errorf("instance %s: %w", instanceID, errors.ErrNotFound),
			"agent", "handleUndeploy", "instance lookup"))
	}
	d.stop()
	if err := d.release(); err != nil {
		return rpcnats.Fail(err)
	}
	a.logger.Info("partition undeployed", "instance", instanceID)
	return rpcnats.Response{OK: true, InstanceID: instanceID}
}

func (a *Agent) deployment(instanceID string) (*deployment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.deployments[instanceID]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("instance %s: %w", instanceID, errors.ErrNotFound),
			"agent", "deployment", "instance lookup")
	}
	return d, nil
}

// DeploymentCount returns the number of live deployments.
func (a *Agent) DeploymentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.deployments)
}
