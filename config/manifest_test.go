package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
name: edge-detect
worker: w1
buffer_bytes: 8192
stages:
  - id: load
    kind: compute
    op_tag: 10
    thread: 0
  - id: uplink
    kind: network_tcp
    op_tag: 20
    link_to: w2
    vlan_tag: 274
  - id: score
    kind: software_generic_nf
    op_tag: 30
    max_memory: 1048576
    rate_per_sec: 50
`

func TestParsePipeline(t *testing.T) {
	p, err := ParsePipeline([]byte(sampleManifest))
	require.NoError(t, err)

	assert.Equal(t, "edge-detect", p.Name)
	assert.Equal(t, "w1", p.Worker)
	assert.Equal(t, uint64(8192), p.BufferBytes)
	require.Len(t, p.Stages, 3)

	assert.Equal(t, "compute", p.Stages[0].Kind)
	assert.Zero(t, p.Stages[0].Thread)
	assert.Equal(t, uint32(10), p.Stages[0].OpTag)

	assert.Equal(t, "w2", p.Stages[1].LinkTo)
	assert.Equal(t, uint16(274), p.Stages[1].VLANTag)
	assert.True(t, p.Stages[1].IsLink())

	assert.Equal(t, uint64(1048576), p.Stages[2].MaxMemory)
	assert.InDelta(t, 50.0, p.Stages[2].RatePerSec, 0.001)
}

func TestParsePipelineRejectsBadYAML(t *testing.T) {
	_, err := ParsePipeline([]byte("stages: [unclosed"))
	require.Error(t, err)
}

func TestParsePipelineValidates(t *testing.T) {
	doc := `
name: broken
worker: w1
stages:
  - id: a
    kind: compute
  - id: a
    kind: compute
`
	_, err := ParsePipeline([]byte(doc))
	require.Error(t, err, "duplicate stage ids must be rejected")
}

func TestLoadPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o600))

	p, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, "edge-detect", p.Name)

	_, err = LoadPipeline(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
