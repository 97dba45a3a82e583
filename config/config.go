package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/executor"
	"github.com/weftworks/weft/registry"
	"github.com/weftworks/weft/vlan"
)

// Config is the complete weftd configuration document.
type Config struct {
	Version  string                  `json:"version"`
	Worker   WorkerConfig            `json:"worker"`
	Identity IdentityConfig          `json:"identity"`
	NATS     NATSConfig              `json:"nats"`
	Routes   []RouteConfig           `json:"routes,omitempty"`
	Enforce  registry.EnforcerConfig `json:"enforce"`
	Executor executor.Config         `json:"executor"`
	Metrics  MetricsConfig           `json:"metrics"`
}

// WorkerConfig names this process on the control plane.
type WorkerConfig struct {
	// Name is the worker's control-subject name.
	Name string `json:"name"`
	// Secret signs remote delegation tokens; shared fabric-wide.
	Secret string `json:"secret,omitempty"`
}

// IdentityConfig is this device's VLAN identity.
type IdentityConfig struct {
	Node     uint8 `json:"node"`
	Instance uint8 `json:"instance"`
}

// Identity converts the config form to the vlan form.
func (c IdentityConfig) Identity() vlan.Identity {
	return vlan.Identity{Node: c.Node, Instance: c.Instance}
}

// RouteConfig is one allow-listed route between device identities.
type RouteConfig struct {
	SrcNode     uint8 `json:"src_node"`
	SrcInstance uint8 `json:"src_instance"`
	DstNode     uint8 `json:"dst_node"`
	DstInstance uint8 `json:"dst_instance"`
}

// NATSConfig locates the control-plane broker.
type NATSConfig struct {
	URL            string        `json:"url"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// MetricsConfig controls the scrape endpoint.
type MetricsConfig struct {
	// Port serves /metrics and /healthz; 0 disables the server.
	Port int `json:"port"`
}

// Default returns a runnable configuration for a single local worker.
func Default() *Config {
	return &Config{
		Version:  "1.0.0",
		Worker:   WorkerConfig{Name: "w1"},
		Identity: IdentityConfig{Node: 0, Instance: 1},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Enforce:  registry.DefaultEnforcerConfig(),
		Executor: executor.DefaultConfig(),
		Metrics:  MetricsConfig{Port: 9090},
	}
}

// Load reads and validates a JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("read %s: %w", path, err),
			"config", "Load", "file read")
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("parse %s: %w", path, err),
			"config", "Load", "json decoding")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the document for structural problems.
func (c *Config) Validate() error {
	if c.Version == "" {
		return validationErr("version is required")
	}
	if c.Worker.Name == "" {
		return validationErr("worker.name is required")
	}
	if c.NATS.URL == "" {
		return validationErr("nats.url is required")
	}
	id := c.Identity.Identity()
	if !id.Valid() {
		return validationErr(fmt.Sprintf("identity %d.%d out of range (node 0..%d, instance 0..%d)",
			c.Identity.Node, c.Identity.Instance, vlan.MaxNode, vlan.MaxInstance))
	}
	if id.IsExternal() {
		return validationErr("identity 0.0 is reserved for external traffic")
	}
	for i, r := range c.Routes {
		src := vlan.Identity{Node: r.SrcNode, Instance: r.SrcInstance}
		dst := vlan.Identity{Node: r.DstNode, Instance: r.DstInstance}
		if !src.Valid() || !dst.Valid() {
			return validationErr(fmt.Sprintf("routes[%d] %s->%s out of range", i, src, dst))
		}
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return validationErr(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}
	return nil
}

// BuildRoutes constructs the device's route registry from the
// configured identity and allow-list.
func (c *Config) BuildRoutes() (*vlan.RouteRegistry, error) {
	routes, err := vlan.NewRouteRegistry(c.Identity.Identity())
	if err != nil {
		return nil, err
	}
	for _, r := range c.Routes {
		src := vlan.Identity{Node: r.SrcNode, Instance: r.SrcInstance}
		dst := vlan.Identity{Node: r.DstNode, Instance: r.DstInstance}
		if err := routes.AllowRoute(src, dst); err != nil {
			return nil, err
		}
	}
	return routes, nil
}

func validationErr(msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%s: %w", msg, errors.ErrInvalidArgument),
		"config", "Validate", "document validation")
}
