package orchestrator

import (
	"fmt"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/node"
)

// StageSpec is one serializable pipeline stage. Kind carries the
// node.Kind string name so descriptors survive the wire.
type StageSpec struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	OpTag uint32 `json:"op_tag"`

	// Thread is the execution-thread handle for compute stages.
	Thread int `json:"thread,omitempty"`
	// LinkTo names the worker on the far side of a cross-device link
	// stage. Empty for purely local stages.
	LinkTo string `json:"link_to,omitempty"`
	// VLANTag is the route tag network and remote stages stamp on
	// their traffic.
	VLANTag uint16 `json:"vlan_tag,omitempty"`

	// Software stage limits.
	MaxMemory  uint64  `json:"max_memory,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// IsLink reports whether the stage crosses to another worker.
func (s StageSpec) IsLink() bool {
	return s.LinkTo != ""
}

// Validate checks the stage's structural fields.
func (s StageSpec) Validate() error {
	if s.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("stage missing id: %w", errors.ErrInvalidArgument),
			"orchestrator", "StageSpec.Validate", "id check")
	}
	kind, err := node.ParseKind(s.Kind)
	if err != nil {
		return err
	}
	if s.IsLink() && !kind.IsNetwork() && kind != node.KindRemoteProxy {
		return errors.WrapInvalid(
			fmt.Errorf("stage %s links to %s but kind %s cannot cross devices: %w",
				s.ID, s.LinkTo, s.Kind, errors.ErrInvalidArgument),
			"orchestrator", "StageSpec.Validate", "link kind check")
	}
	return nil
}

// Pipeline is one logical stage sequence. Worker names the physical
// worker the first partition runs on; link stages name the workers the
// pipeline crosses to.
type Pipeline struct {
	Name        string      `json:"name"`
	Worker      string      `json:"worker"`
	BufferBytes uint64      `json:"buffer_bytes,omitempty"`
	Stages      []StageSpec `json:"stages"`
}

// Validate checks the pipeline's structural fields.
func (p Pipeline) Validate() error {
	if p.Name == "" || p.Worker == "" {
		return errors.WrapInvalid(
			fmt.Errorf("pipeline needs a name and an initial worker: %w", errors.ErrInvalidArgument),
			"orchestrator", "Pipeline.Validate", "header check")
	}
	if len(p.Stages) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("pipeline %s has no stages: %w", p.Name, errors.ErrInvalidArgument),
			"orchestrator", "Pipeline.Validate", "stage check")
	}
	seen := make(map[string]struct{}, len(p.Stages))
	for _, s := range p.Stages {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("stage %q: %w", s.ID, errors.ErrAlreadyExists),
				"orchestrator", "Pipeline.Validate", "duplicate stage check")
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// MultiDevice reports whether the stage sequence crosses device
// boundaries.
func MultiDevice(stages []StageSpec) bool {
	for _, s := range stages {
		if s.IsLink() {
			return true
		}
	}
	return false
}

// Partition is one contiguous stage run assigned to a single worker. A
// cross-device link stage appears in both adjacent partitions as the
// shared rendezvous point: the outbound side tags it OutboundTo, the
// inbound side InboundFrom.
type Partition struct {
	Worker string      `json:"worker"`
	Stages []StageSpec `json:"stages"`
	// OutboundTo names the next partition's worker; empty on the last.
	OutboundTo string `json:"outbound_to,omitempty"`
	// InboundFrom names the previous partition's worker; empty on the
	// first.
	InboundFrom string `json:"inbound_from,omitempty"`
	// LinkID is the rendezvous link stage shared with the next
	// partition; empty on the last.
	LinkID string `json:"link_id,omitempty"`
}

// Plan is the result of splitting one pipeline.
type Plan struct {
	Pipeline    string
	BufferBytes uint64
	Partitions  []Partition
}

// Split walks the stage sequence once and cuts it at cross-device link
// stages. Encountering a link stage closes the current partition with
// the link included and tagged outbound, then opens a new partition on
// the link's target worker that begins with the same link stage tagged
// inbound. A single-device pipeline yields one partition.
func Split(p Pipeline) (*Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	current := Partition{Worker: p.Worker}
	var partitions []Partition

	for _, s := range p.Stages {
		current.Stages = append(current.Stages, s)
		if !s.IsLink() {
			continue
		}
		if s.LinkTo == current.Worker {
			return nil, errors.WrapInvalid(
				fmt.Errorf("stage %s links to its own worker %s: %w",
					s.ID, current.Worker, errors.ErrInvalidArgument),
				"orchestrator", "Split", "link target check")
		}

		current.OutboundTo = s.LinkTo
		current.LinkID = s.ID
		partitions = append(partitions, current)

		current = Partition{
			Worker:      s.LinkTo,
			Stages:      []StageSpec{s},
			InboundFrom: partitions[len(partitions)-1].Worker,
		}
	}
	partitions = append(partitions, current)

	for i, part := range partitions {
		if len(part.Stages) == 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("partition %d on %s is empty: %w", i, part.Worker, errors.ErrInvalidState),
				"orchestrator", "Split", "partition check")
		}
	}
	return &Plan{Pipeline: p.Name, BufferBytes: p.BufferBytes, Partitions: partitions}, nil
}
