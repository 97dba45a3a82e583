package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/metric"
	"github.com/weftworks/weft/node"
	"github.com/weftworks/weft/registry"
	"github.com/weftworks/weft/vlan"
)

// Stage rendezvous offsets. The first stage reads at the edge offset
// and every hand-off between adjacent stages happens at the fabric
// offset; the last stage writes back to the edge. These values are the
// wire contract with the routing fabric and must be produced exactly.
const (
	edgeOffset   uint32 = 0
	fabricOffset uint32 = 6
)

// Config parameterizes the completion wait.
type Config struct {
	// PollTimeout bounds the wall-clock wait for the final stage.
	PollTimeout time.Duration `json:"poll_timeout"`
	// PollInterval separates completion polls.
	PollInterval time.Duration `json:"poll_interval"`
	// MaxPolls is an iteration ceiling on top of the timeout.
	MaxPolls int `json:"max_polls"`
}

// DefaultConfig returns the completion-wait defaults.
func DefaultConfig() Config {
	return Config{
		PollTimeout:  2 * time.Second,
		PollInterval: time.Millisecond,
		MaxPolls:     100000,
	}
}

func (c *Config) normalize() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Millisecond
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 100000
	}
}

// Executor drives one registry's stages through a run: plan the
// per-stage transfer descriptors, clear completions, issue the stages
// in order and wait for the final completion flag.
type Executor struct {
	reg     *registry.Registry
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates an executor over a registry.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger, metrics *metric.Metrics) (*Executor, error) {
	if reg == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil registry: %w", errors.ErrInvalidArgument),
			"executor", "New", "registry validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()
	return &Executor{
		reg:     reg,
		cfg:     cfg,
		logger:  logger.With("registry", reg.ID()),
		metrics: metrics,
	}, nil
}

// PlanIO names the memory the pipeline's edge stages touch.
type PlanIO struct {
	Read   device.MemHandle
	Write  device.MemHandle
	Length uint64
}

// Plan builds one transfer descriptor per stage. The first stage reads
// at the edge offset and writes at the fabric offset; interior stages
// read and write at the fabric offset; the last stage reads at the
// fabric offset and writes back to the edge. A single-stage pipeline
// is both first and last. Stages that carry a VLAN tag get its
// routing-fabric form stamped into the descriptor.
func Plan(stages []node.Node, io PlanIO) []device.TransferDescriptor {
	descs := make([]device.TransferDescriptor, len(stages))
	for i, stage := range stages {
		desc := device.TransferDescriptor{
			ReadHandle:  io.Read,
			WriteHandle: io.Write,
			ReadOffset:  fabricOffset,
			WriteOffset: fabricOffset,
			Length:      io.Length,
		}
		if i == 0 {
			desc.ReadOffset = edgeOffset
		}
		if i == len(stages)-1 {
			desc.WriteOffset = edgeOffset
		}
		if tagged, ok := stage.(interface{ VLANTag() vlan.Tag }); ok {
			if tag := tagged.VLANTag(); tag.Valid() && tag != 0 {
				desc.RouteID = tag.RouteID()
			}
		}
		descs[i] = desc
	}
	return descs
}

// stageCap resolves a stage's dedicated capability through the
// registry's naming contract.
func (e *Executor) stageCap(stage node.Node, cap *capability.Capability) (*capability.Capability, error) {
	sc, err := e.reg.FindCapability(registry.CapabilityID(stage.ID()), cap)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no capability for stage %s: %w", stage.ID(), errors.ErrNotFound),
			"executor", "Run", "stage capability lookup")
	}
	return sc, nil
}

// Run executes the stage sequence. Every stage's completion counter is
// cleared through its own capability, the stages are issued in order,
// then the final stage's completion flag is polled under the
// configured timeout. Execution fails open: the first stage error
// marks the registry stalled and the remaining stages are not invoked.
func (e *Executor) Run(ctx context.Context, cap *capability.Capability, stages []node.Node, io PlanIO) error {
	if len(stages) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("empty stage list: %w", errors.ErrInvalidArgument),
			"executor", "Run", "stage validation")
	}
	if e.reg.Stalled() {
		return errors.WrapFatal(
			fmt.Errorf("registry %s: %w", e.reg.ID(), errors.ErrRegistryStalled),
			"executor", "Run", "stall check")
	}

	descs := Plan(stages, io)

	caps := make([]*capability.Capability, len(stages))
	for i, stage := range stages {
		sc, err := e.stageCap(stage, cap)
		if err != nil {
			return err
		}
		caps[i] = sc
		if err := stage.ClearCompletion(sc); err != nil {
			return errors.Wrap(err, "executor", "Run", "completion clear")
		}
	}

	for i, stage := range stages {
		if err := e.reg.Enforcer().AllowExecution(stage.ID()); err != nil {
			e.failOpen(stage.ID(), err)
			return err
		}
		if err := stage.Execute(caps[i], descs[i]); err != nil {
			e.failOpen(stage.ID(), err)
			return errors.WrapFatal(
				fmt.Errorf("stage %s: %w: %w", stage.ID(), errors.ErrExecutionFailed, err),
				"executor", "Run", "stage issue")
		}
	}

	return e.awaitCompletion(ctx, stages[len(stages)-1], caps[len(caps)-1])
}

// failOpen marks the registry stalled so no further work is accepted.
func (e *Executor) failOpen(stageID string, err error) {
	e.logger.Error("stage failed, stalling registry", "stage", stageID, "error", err)
	e.reg.MarkStalled()
	if e.metrics != nil {
		e.metrics.RecordPipelineRun("failed")
	}
}

// awaitCompletion polls the final stage's completion flag until it
// reports done, the timeout or iteration ceiling is hit, or the
// registry stalls.
func (e *Executor) awaitCompletion(ctx context.Context, last node.Node, lastCap *capability.Capability) error {
	deadline := time.Now().Add(e.cfg.PollTimeout)

	for polls := 0; polls < e.cfg.MaxPolls && time.Now().Before(deadline); polls++ {
		if e.reg.Stalled() {
			e.logger.Warn("completion wait aborted, registry stalled", "stage", last.ID())
			if e.metrics != nil {
				e.metrics.RecordPipelineRun("stalled")
			}
			return errors.WrapFatal(
				fmt.Errorf("registry %s: %w", e.reg.ID(), errors.ErrRegistryStalled),
				"executor", "Run", "completion wait")
		}

		done, err := last.CheckCompletion(lastCap)
		if err != nil {
			e.failOpen(last.ID(), err)
			return errors.Wrap(err, "executor", "Run", "completion poll")
		}
		if done {
			if e.metrics != nil {
				e.metrics.RecordPipelineRun("completed")
			}
			e.logger.Debug("pipeline completed", "final_stage", last.ID())
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "executor", "Run", "completion wait")
		case <-time.After(e.cfg.PollInterval):
		}
	}

	e.logger.Warn("completion wait timed out",
		"stage", last.ID(),
		"timeout", e.cfg.PollTimeout)
	if e.metrics != nil {
		e.metrics.RecordPipelineRun("timeout")
	}
	return errors.WrapTransient(
		fmt.Errorf("final stage %s incomplete after %v: %w", last.ID(), e.cfg.PollTimeout, errors.ErrTimeout),
		"executor", "Run", "completion wait")
}
