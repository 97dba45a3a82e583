package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/executor"
	"github.com/weftworks/weft/node"
	"github.com/weftworks/weft/orchestrator"
	"github.com/weftworks/weft/rpcnats"
	"github.com/weftworks/weft/vlan"
)

// newTestAgent builds an agent whose control calls are driven
// in-process through dispatch; the connection is never dialed and the
// links run over the shared loopback fabric.
func newTestAgent(t *testing.T, worker string, fabric *node.LoopbackNetwork) (*Agent, *device.Simulated) {
	t.Helper()
	dev := device.NewSimulated()
	routes, err := vlan.NewRouteRegistry(vlan.Identity{Node: 0, Instance: 1})
	require.NoError(t, err)
	a, err := New(Config{
		Worker: worker,
		Secret: []byte("fabric-secret"),
		Executor: executor.Config{
			PollTimeout:  200 * time.Millisecond,
			PollInterval: time.Millisecond,
			MaxPolls:     1000,
		},
	}, Deps{
		Conn:   &nats.Conn{},
		Device: dev,
		Routes: routes,
		NewTransport: func() node.Transport {
			return node.NewLoopbackTransport(fabric)
		},
	})
	require.NoError(t, err)
	return a, dev
}

func computeDescriptor(worker string) orchestrator.Descriptor {
	return orchestrator.Descriptor{
		Pipeline:    "p1",
		Worker:      worker,
		BufferBytes: 256,
		Stages: []orchestrator.StageSpec{
			{ID: "load", Kind: "compute", OpTag: 1},
			{ID: "store", Kind: "compute", OpTag: 2, Thread: 1},
		},
	}
}

func deployInstance(t *testing.T, a *Agent, desc orchestrator.Descriptor) string {
	t.Helper()
	resp := a.dispatch(context.Background(), rpcnats.Request{Op: rpcnats.OpDeploy, Deployment: &desc})
	require.True(t, resp.OK, resp.Error)
	require.NotEmpty(t, resp.InstanceID)
	return resp.InstanceID
}

func TestNewValidation(t *testing.T) {
	dev := device.NewSimulated()

	_, err := New(Config{}, Deps{Conn: &nats.Conn{}, Device: dev})
	require.Error(t, err, "empty worker name")

	_, err = New(Config{Worker: "w1"}, Deps{Device: dev})
	require.Error(t, err, "nil connection")

	_, err = New(Config{Worker: "w1"}, Deps{Conn: &nats.Conn{}})
	require.Error(t, err, "nil device")
}

func TestDeployAndUndeploy(t *testing.T) {
	a, dev := newTestAgent(t, "w1", node.NewLoopbackNetwork())

	id := deployInstance(t, a, computeDescriptor("w1"))
	assert.Equal(t, 1, a.DeploymentCount())
	assert.Equal(t, uint64(256), dev.AllocatedBytes(), "pipeline buffer allocated on deploy")

	resp := a.dispatch(context.Background(), rpcnats.Request{Op: rpcnats.OpUndeploy, InstanceID: id})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, 0, a.DeploymentCount())
	assert.Equal(t, uint64(0), dev.AllocatedBytes(), "buffer returned on undeploy")
}

func TestDeployRejectsForeignWorker(t *testing.T) {
	a, _ := newTestAgent(t, "w1", node.NewLoopbackNetwork())

	desc := computeDescriptor("w2")
	resp := a.dispatch(context.Background(), rpcnats.Request{Op: rpcnats.OpDeploy, Deployment: &desc})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, 0, a.DeploymentCount())
}

func TestDeployRejectsMalformedDescriptor(t *testing.T) {
	a, _ := newTestAgent(t, "w1", node.NewLoopbackNetwork())

	desc := computeDescriptor("w1")
	desc.Stages[0].Kind = "fpga"
	resp := a.dispatch(context.Background(), rpcnats.Request{Op: rpcnats.OpDeploy, Deployment: &desc})
	assert.False(t, resp.OK)
	assert.Equal(t, 0, a.DeploymentCount())
}

func TestDispatchUnknownInstance(t *testing.T) {
	a, _ := newTestAgent(t, "w1", node.NewLoopbackNetwork())
	ctx := context.Background()

	for _, req := range []rpcnats.Request{
		{Op: rpcnats.OpExecute, InstanceID: "ghost"},
		{Op: rpcnats.OpStop, InstanceID: "ghost"},
		{Op: rpcnats.OpUndeploy, InstanceID: "ghost"},
		{Op: rpcnats.OpSetupLink, InstanceID: "ghost", Link: &orchestrator.LinkRequest{NodeID: "uplink"}},
	} {
		resp := a.dispatch(ctx, req)
		assert.False(t, resp.OK, string(req.Op))
		assert.NotEmpty(t, resp.Error, string(req.Op))
	}
}

func TestExecuteRunsPipeline(t *testing.T) {
	a, dev := newTestAgent(t, "w1", node.NewLoopbackNetwork())
	ctx := context.Background()

	id := deployInstance(t, a, computeDescriptor("w1"))
	d, err := a.deployment(id)
	require.NoError(t, err)

	resp := a.dispatch(ctx, rpcnats.Request{Op: rpcnats.OpExecute, InstanceID: id})
	require.True(t, resp.OK, resp.Error)

	require.Eventually(t, func() bool {
		return len(dev.Issued()) == 2
	}, time.Second, time.Millisecond, "both stages issued")

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return !d.running
	}, time.Second, time.Millisecond, "run completes")

	assert.NoError(t, d.lastError())
	assert.False(t, d.reg.Stalled())

	issued := dev.Issued()
	assert.Equal(t, device.OpTag(1), issued[0].Op)
	assert.Equal(t, device.OpTag(2), issued[1].Op)
}

func TestExecuteAfterStopRejected(t *testing.T) {
	a, _ := newTestAgent(t, "w1", node.NewLoopbackNetwork())
	ctx := context.Background()

	id := deployInstance(t, a, computeDescriptor("w1"))

	resp := a.dispatch(ctx, rpcnats.Request{Op: rpcnats.OpStop, InstanceID: id})
	require.True(t, resp.OK, resp.Error)

	resp = a.dispatch(ctx, rpcnats.Request{Op: rpcnats.OpExecute, InstanceID: id})
	assert.False(t, resp.OK, "a stopped deployment cannot run again")
	assert.NotEmpty(t, resp.Error)
}

func linkDescriptors() (outbound, inbound orchestrator.Descriptor) {
	outbound = orchestrator.Descriptor{
		Pipeline:    "edge-to-core",
		Worker:      "w1",
		BufferBytes: 512,
		Stages: []orchestrator.StageSpec{
			{ID: "capture", Kind: "compute", OpTag: 1},
			{ID: "uplink", Kind: "network_tcp", OpTag: 2, LinkTo: "w2"},
		},
		OutboundTo: "w2",
		LinkID:     "uplink",
	}
	inbound = orchestrator.Descriptor{
		Pipeline:    "edge-to-core",
		Worker:      "w2",
		BufferBytes: 512,
		Stages: []orchestrator.StageSpec{
			{ID: "uplink", Kind: "network_tcp", OpTag: 2, LinkTo: "w2"},
			{ID: "store", Kind: "compute", OpTag: 3},
		},
		InboundFrom: "w1",
		LinkID:      "uplink",
	}
	return outbound, inbound
}

func TestSetupLinkTwoPhase(t *testing.T) {
	fabric := node.NewLoopbackNetwork()
	out, _ := newTestAgent(t, "w1", fabric)
	in, _ := newTestAgent(t, "w2", fabric)
	ctx := context.Background()

	outDesc, inDesc := linkDescriptors()
	outID := deployInstance(t, out, outDesc)
	inID := deployInstance(t, in, inDesc)

	// Phase 1: the receive side binds its endpoint.
	resp := in.dispatch(ctx, rpcnats.Request{
		Op:         rpcnats.OpSetupLink,
		InstanceID: inID,
		Link:       &orchestrator.LinkRequest{NodeID: "uplink", Initiator: false},
	})
	require.True(t, resp.OK, resp.Error)
	require.NotNil(t, resp.Endpoint)
	require.NotEmpty(t, resp.Endpoint.Address)

	// Phase 2: the send side dials the reported endpoint.
	resp = out.dispatch(ctx, rpcnats.Request{
		Op:         rpcnats.OpSetupLink,
		InstanceID: outID,
		Link: &orchestrator.LinkRequest{
			NodeID:      "uplink",
			PeerAddress: resp.Endpoint.Address,
			PeerPort:    resp.Endpoint.Port,
			Initiator:   true,
		},
	})
	require.True(t, resp.OK, resp.Error)
}

func TestSetupLinkRemoteProxyTwoPhase(t *testing.T) {
	fabric := node.NewLoopbackNetwork()
	out, _ := newTestAgent(t, "w1", fabric)
	in, _ := newTestAgent(t, "w2", fabric)
	ctx := context.Background()

	outDesc := orchestrator.Descriptor{
		Pipeline:    "edge-to-core",
		Worker:      "w1",
		BufferBytes: 512,
		Stages: []orchestrator.StageSpec{
			{ID: "capture", Kind: "compute", OpTag: 1},
			{ID: "xdev", Kind: "remote_proxy", OpTag: 2, LinkTo: "w2"},
		},
		OutboundTo: "w2",
		LinkID:     "xdev",
	}
	inDesc := orchestrator.Descriptor{
		Pipeline:    "edge-to-core",
		Worker:      "w2",
		BufferBytes: 512,
		Stages: []orchestrator.StageSpec{
			{ID: "xdev", Kind: "remote_proxy", OpTag: 2, LinkTo: "w2"},
			{ID: "parse", Kind: "software_parser", OpTag: 3},
		},
		InboundFrom: "w1",
		LinkID:      "xdev",
	}

	outID := deployInstance(t, out, outDesc)
	inID := deployInstance(t, in, inDesc)

	resp := in.dispatch(ctx, rpcnats.Request{
		Op:         rpcnats.OpSetupLink,
		InstanceID: inID,
		Link:       &orchestrator.LinkRequest{NodeID: "xdev", Initiator: false},
	})
	require.True(t, resp.OK, resp.Error)
	require.NotNil(t, resp.Endpoint)
	require.NotEmpty(t, resp.Endpoint.Address)

	resp = out.dispatch(ctx, rpcnats.Request{
		Op:         rpcnats.OpSetupLink,
		InstanceID: outID,
		Link: &orchestrator.LinkRequest{
			NodeID:      "xdev",
			PeerAddress: resp.Endpoint.Address,
			PeerPort:    resp.Endpoint.Port,
			Initiator:   true,
		},
	})
	require.True(t, resp.OK, resp.Error)
}

func TestSetupLinkInitiatorRequiresPeer(t *testing.T) {
	fabric := node.NewLoopbackNetwork()
	a, _ := newTestAgent(t, "w1", fabric)

	outDesc, _ := linkDescriptors()
	id := deployInstance(t, a, outDesc)

	resp := a.dispatch(context.Background(), rpcnats.Request{
		Op:         rpcnats.OpSetupLink,
		InstanceID: id,
		Link:       &orchestrator.LinkRequest{NodeID: "uplink", Initiator: true},
	})
	assert.False(t, resp.OK)
}

func TestSetupLinkUnknownNode(t *testing.T) {
	a, _ := newTestAgent(t, "w1", node.NewLoopbackNetwork())

	id := deployInstance(t, a, computeDescriptor("w1"))
	resp := a.dispatch(context.Background(), rpcnats.Request{
		Op:         rpcnats.OpSetupLink,
		InstanceID: id,
		Link:       &orchestrator.LinkRequest{NodeID: "uplink", Initiator: false},
	})
	assert.False(t, resp.OK)
}

func TestStopReleasesEverythingOnAgentStop(t *testing.T) {
	a, dev := newTestAgent(t, "w1", node.NewLoopbackNetwork())

	deployInstance(t, a, computeDescriptor("w1"))
	require.NoError(t, a.Stop())

	assert.Equal(t, 0, a.DeploymentCount())
	assert.Equal(t, uint64(0), dev.AllocatedBytes())
}
