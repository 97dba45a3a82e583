package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/vlan"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "w1", cfg.Worker.Name)
	assert.NotZero(t, cfg.Executor.PollTimeout)
}

func TestLoadAppliesOverDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weftd.json")
	doc := `{
		"worker": {"name": "edge-a", "secret": "s3cret"},
		"identity": {"node": 1, "instance": 2},
		"routes": [
			{"src_node": 0, "src_instance": 1, "dst_node": 1, "dst_instance": 2}
		],
		"metrics": {"port": 0}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "edge-a", cfg.Worker.Name)
	assert.Equal(t, uint8(1), cfg.Identity.Node)
	// Unset fields keep their defaults.
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Zero(t, cfg.Metrics.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty worker name", func(c *Config) { c.Worker.Name = "" }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"identity out of range", func(c *Config) { c.Identity.Node = 9 }},
		{"reserved external identity", func(c *Config) { c.Identity.Node = 0; c.Identity.Instance = 0 }},
		{"route out of range", func(c *Config) {
			c.Routes = []RouteConfig{{SrcNode: 5, DstNode: 1, DstInstance: 1}}
		}},
		{"metrics port out of range", func(c *Config) { c.Metrics.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
		})
	}
}

func TestBuildRoutes(t *testing.T) {
	cfg := Default()
	cfg.Identity = IdentityConfig{Node: 1, Instance: 1}
	cfg.Routes = []RouteConfig{
		{SrcNode: 1, SrcInstance: 1, DstNode: 2, DstInstance: 3},
	}

	routes, err := cfg.BuildRoutes()
	require.NoError(t, err)

	assert.True(t, routes.RouteAllowed(
		vlan.Identity{Node: 1, Instance: 1}, vlan.Identity{Node: 2, Instance: 3}))
	assert.False(t, routes.RouteAllowed(
		vlan.Identity{Node: 2, Instance: 3}, vlan.Identity{Node: 1, Instance: 1}))
}
