package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/orchestrator"
)

// manifest is the YAML form of a pipeline document.
type manifest struct {
	Name        string          `yaml:"name"`
	Worker      string          `yaml:"worker"`
	BufferBytes uint64          `yaml:"buffer_bytes"`
	Stages      []manifestStage `yaml:"stages"`
}

type manifestStage struct {
	ID         string  `yaml:"id"`
	Kind       string  `yaml:"kind"`
	OpTag      uint32  `yaml:"op_tag"`
	Thread     int     `yaml:"thread"`
	LinkTo     string  `yaml:"link_to"`
	VLANTag    uint16  `yaml:"vlan_tag"`
	MaxMemory  uint64  `yaml:"max_memory"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// LoadPipeline reads a YAML pipeline manifest and converts it to the
// orchestrator form, validated.
func LoadPipeline(path string) (orchestrator.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return orchestrator.Pipeline{}, errors.WrapInvalid(
			fmt.Errorf("read %s: %w", path, err),
			"config", "LoadPipeline", "file read")
	}
	return ParsePipeline(data)
}

// ParsePipeline converts YAML manifest bytes to a validated pipeline.
func ParsePipeline(data []byte) (orchestrator.Pipeline, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return orchestrator.Pipeline{}, errors.WrapInvalid(
			fmt.Errorf("parse manifest: %w", err),
			"config", "ParsePipeline", "yaml decoding")
	}

	p := orchestrator.Pipeline{
		Name:        m.Name,
		Worker:      m.Worker,
		BufferBytes: m.BufferBytes,
		Stages:      make([]orchestrator.StageSpec, 0, len(m.Stages)),
	}
	for _, s := range m.Stages {
		p.Stages = append(p.Stages, orchestrator.StageSpec{
			ID:         s.ID,
			Kind:       s.Kind,
			OpTag:      s.OpTag,
			Thread:     s.Thread,
			LinkTo:     s.LinkTo,
			VLANTag:    s.VLANTag,
			MaxMemory:  s.MaxMemory,
			RatePerSec: s.RatePerSec,
		})
	}
	if err := p.Validate(); err != nil {
		return orchestrator.Pipeline{}, err
	}
	return p, nil
}
