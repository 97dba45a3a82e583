// Package main implements the entry point for the weftd worker daemon.
// Weftd answers pipeline deployment calls on its NATS control subject
// and runs each deployed partition against the local device under
// capability-mediated resource enforcement.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/weftworks/weft/agent"
	"github.com/weftworks/weft/config"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/health"
	"github.com/weftworks/weft/metric"
	"github.com/weftworks/weft/natsclient"
	"github.com/weftworks/weft/orchestrator"
	"github.com/weftworks/weft/rpcnats"
	"github.com/weftworks/weft/vlan"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "weftd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Setup core infrastructure
	infra, err := setupInfrastructure(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := infra.nats.Close(closeCtx); err != nil {
			slog.Warn("NATS close failed", "error", err)
		}
	}()

	// Create and start the worker agent
	worker, err := createAgent(cfg, infra, logger)
	if err != nil {
		return err
	}

	// Optionally deploy a pipeline manifest against this worker once
	// its control subject is up
	var launcher *pipelineLauncher
	if cliCfg.PipelinePath != "" {
		launcher, err = newPipelineLauncher(cliCfg.PipelinePath, infra, logger)
		if err != nil {
			return err
		}
	}

	// Run agent with signal handling
	return runWithSignalHandling(worker, launcher, cliCfg.ShutdownTimeout)
}

// pipelineLauncher pairs a loaded manifest with the orchestrator that
// will drive it.
type pipelineLauncher struct {
	orch *orchestrator.Orchestrator
	pipe orchestrator.Pipeline
}

func newPipelineLauncher(path string, infra *infrastructure, logger *slog.Logger) (*pipelineLauncher, error) {
	pipe, err := config.LoadPipeline(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline manifest: %w", err)
	}

	client, err := rpcnats.NewClient(infra.nats.Conn(),
		rpcnats.WithLogger(logger),
		rpcnats.WithMetrics(infra.metrics.Core()),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker client: %w", err)
	}

	orch, err := orchestrator.New(client,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(infra.metrics.Core()),
	)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &pipelineLauncher{orch: orch, pipe: pipe}, nil
}

// launchPipeline deploys, links and starts the pipeline. A failure
// after deployment tears down whatever was already placed.
func launchPipeline(ctx context.Context, orch *orchestrator.Orchestrator, p orchestrator.Pipeline) error {
	if err := orch.Deploy(ctx, p); err != nil {
		return fmt.Errorf("deploy pipeline %q: %w", p.Name, err)
	}
	if err := orch.EstablishLinks(ctx); err != nil {
		if terr := orch.Teardown(ctx); terr != nil {
			slog.Warn("Pipeline teardown after link failure", "error", terr)
		}
		return fmt.Errorf("establish links for pipeline %q: %w", p.Name, err)
	}
	if err := orch.Execute(ctx); err != nil {
		if terr := orch.Teardown(ctx); terr != nil {
			slog.Warn("Pipeline teardown after execute failure", "error", terr)
		}
		return fmt.Errorf("execute pipeline %q: %w", p.Name, err)
	}
	return nil
}

// infrastructure bundles the daemon's shared collaborators.
type infrastructure struct {
	nats    *natsclient.Client
	routes  *vlan.RouteRegistry
	metrics *metric.MetricsRegistry
	health  *health.Monitor
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting weftd (capability-mediated pipeline worker)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// setupInfrastructure connects to NATS and builds the device-level
// route table, metrics registry and health monitor
func setupInfrastructure(cfg *config.Config, logger *slog.Logger) (*infrastructure, error) {
	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor(appName)

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	nc, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(appName+"-"+cfg.Worker.Name),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithLogger(logger),
		natsclient.WithHealthMonitor(monitor),
		natsclient.WithMetrics(metricsRegistry.Core()),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.NATS.ConnectTimeout)
	defer cancel()
	if err := nc.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	routes, err := cfg.BuildRoutes()
	if err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("build route registry: %w", err)
	}
	slog.Info("Route table configured",
		"identity", cfg.Identity.Identity().String(),
		"routes", len(cfg.Routes))

	return &infrastructure{
		nats:    nc,
		routes:  routes,
		metrics: metricsRegistry,
		health:  monitor,
	}, nil
}

// createAgent wires the worker agent over a simulated device
func createAgent(cfg *config.Config, infra *infrastructure, logger *slog.Logger) (*agent.Agent, error) {
	agentCfg := agent.Config{
		Worker:      cfg.Worker.Name,
		Secret:      []byte(cfg.Worker.Secret),
		Enforce:     cfg.Enforce,
		Executor:    cfg.Executor,
		MetricsPort: cfg.Metrics.Port,
	}
	worker, err := agent.New(agentCfg, agent.Deps{
		Conn:    infra.nats.Conn(),
		Device:  device.NewSimulated(),
		Routes:  infra.routes,
		Metrics: infra.metrics,
		Health:  infra.health,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return worker, nil
}

// runWithSignalHandling starts the agent and handles shutdown signals
func runWithSignalHandling(worker *agent.Agent, launcher *pipelineLauncher, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := worker.Start(signalCtx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	slog.Info("weftd started successfully (control subject ready)")

	if launcher != nil {
		slog.Info("Deploying pipeline", "pipeline", launcher.pipe.Name)
		if err := launchPipeline(signalCtx, launcher.orch, launcher.pipe); err != nil {
			if serr := worker.Stop(); serr != nil {
				slog.Warn("Agent stop after pipeline failure", "error", serr)
			}
			return err
		}
		slog.Info("Pipeline running", "instances", len(launcher.orch.Instances()))
	}

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if launcher != nil {
		teardownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := launcher.orch.Teardown(teardownCtx); err != nil {
			slog.Warn("Pipeline teardown failed", "error", err)
		}
		cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- worker.Stop()
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %v", shutdownTimeout)
	}

	slog.Info("weftd shutdown complete")
	return nil
}
