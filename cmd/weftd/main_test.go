package main

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/orchestrator"
)

// fakeFleet implements orchestrator.WorkerClient and records the
// operation sequence so tests can assert ordering and cleanup.
type fakeFleet struct {
	mu   sync.Mutex
	ops  []string
	next int

	linkErr error
	execErr error
}

func (f *fakeFleet) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeFleet) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeFleet) countOf(op string) int {
	n := 0
	for _, o := range f.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakeFleet) Deploy(_ context.Context, worker string, _ orchestrator.Descriptor) (string, error) {
	f.mu.Lock()
	f.next++
	id := fmt.Sprintf("inst-%d", f.next)
	f.ops = append(f.ops, "deploy")
	f.mu.Unlock()
	_ = worker
	return id, nil
}

func (f *fakeFleet) Execute(_ context.Context, _, _ string) error {
	f.record("execute")
	return f.execErr
}

func (f *fakeFleet) Stop(_ context.Context, _, _ string) error {
	f.record("stop")
	return nil
}

func (f *fakeFleet) Undeploy(_ context.Context, _, _ string) error {
	f.record("undeploy")
	return nil
}

func (f *fakeFleet) SetupLink(_ context.Context, _, _ string, req orchestrator.LinkRequest) (orchestrator.EndpointInfo, error) {
	f.record("setup_link")
	if f.linkErr != nil {
		return orchestrator.EndpointInfo{}, f.linkErr
	}
	if req.Initiator {
		return orchestrator.EndpointInfo{}, nil
	}
	return orchestrator.EndpointInfo{Address: "10.0.0.2", Port: 9000}, nil
}

func startupPipeline() orchestrator.Pipeline {
	return orchestrator.Pipeline{
		Name:        "edge-to-core",
		Worker:      "w1",
		BufferBytes: 8192,
		Stages: []orchestrator.StageSpec{
			{ID: "capture", Kind: "compute", OpTag: 1},
			{ID: "uplink", Kind: "network_tcp", OpTag: 2, LinkTo: "w2", VLANTag: 274},
			{ID: "store", Kind: "compute", OpTag: 3},
		},
	}
}

func TestLaunchPipeline(t *testing.T) {
	fleet := &fakeFleet{}
	orch, err := orchestrator.New(fleet)
	require.NoError(t, err)

	require.NoError(t, launchPipeline(context.Background(), orch, startupPipeline()))

	assert.Equal(t, 2, fleet.countOf("deploy"), "one partition per worker")
	assert.Equal(t, 2, fleet.countOf("setup_link"), "both link phases ran")
	assert.Equal(t, 2, fleet.countOf("execute"))
	assert.Len(t, orch.Instances(), 2)
}

func TestLaunchPipelineTearsDownOnLinkFailure(t *testing.T) {
	fleet := &fakeFleet{linkErr: fmt.Errorf("endpoint refused")}
	orch, err := orchestrator.New(fleet)
	require.NoError(t, err)

	err = launchPipeline(context.Background(), orch, startupPipeline())
	require.Error(t, err)

	assert.Zero(t, fleet.countOf("execute"), "a pipeline that failed to link must not start")
	assert.Equal(t, fleet.countOf("deploy"), fleet.countOf("undeploy"),
		"every deployed partition is undeployed again")
	assert.Empty(t, orch.Instances())
}

func TestLaunchPipelineTearsDownOnExecuteFailure(t *testing.T) {
	fleet := &fakeFleet{execErr: fmt.Errorf("device busy")}
	orch, err := orchestrator.New(fleet)
	require.NoError(t, err)

	err = launchPipeline(context.Background(), orch, startupPipeline())
	require.Error(t, err)

	assert.Equal(t, fleet.countOf("deploy"), fleet.countOf("undeploy"))
	assert.Empty(t, orch.Instances())
}
