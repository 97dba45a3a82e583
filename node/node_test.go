package node

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/device"
	"github.com/weftworks/weft/errors"
)

type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRootCap(t *testing.T) *capability.Capability {
	t.Helper()
	tree, err := capability.NewTree("root", capability.PermAll, capability.ScopeGlobal)
	require.NoError(t, err)
	return tree.Root()
}

func newComputeDeps() (Deps, *device.Simulated) {
	dev := device.NewSimulated()
	return Deps{Device: dev}, dev
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindCompute; k <= KindRemoteProxy; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("quantum")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
}

func TestNewComputeNodeValidation(t *testing.T) {
	deps, _ := newComputeDeps()

	_, err := NewComputeNode("", 1, 0, deps)
	require.Error(t, err)

	_, err = NewComputeNode("c1", 1, -1, deps)
	require.Error(t, err)

	_, err = NewComputeNode("c1", 1, 0, Deps{})
	require.Error(t, err, "nil device must be rejected")

	n, err := NewComputeNode("c1", 1, 2, deps)
	require.NoError(t, err)
	assert.Equal(t, 2, n.Thread())
	assert.Equal(t, KindCompute, n.Kind())
	assert.Equal(t, StatusUninitialized, n.Status())
}

func TestLifecycle(t *testing.T) {
	deps, _ := newComputeDeps()
	root := newRootCap(t)

	n, err := NewComputeNode("c1", 1, 0, deps)
	require.NoError(t, err)

	ready, err := n.IsReady(root)
	require.NoError(t, err)
	assert.False(t, ready, "uninitialized node must not be ready")

	require.NoError(t, n.Initialize(root))
	assert.Equal(t, StatusInitialized, n.Status())

	ready, err = n.IsReady(root)
	require.NoError(t, err)
	assert.True(t, ready)

	// Double initialize is a state error.
	err = n.Initialize(root)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))

	require.NoError(t, n.Shutdown(root))
	assert.Equal(t, StatusShutDown, n.Status())

	// Shutdown is idempotent.
	require.NoError(t, n.Shutdown(root))

	// Initialize after shutdown stays rejected.
	err = n.Initialize(root)
	require.Error(t, err)
}

func TestCapabilityChecks(t *testing.T) {
	deps, _ := newComputeDeps()

	n, err := NewComputeNode("c1", 1, 0, deps)
	require.NoError(t, err)

	t.Run("nil capability", func(t *testing.T) {
		err := n.Initialize(nil)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrCapabilityInvalid))
	})

	t.Run("revoked capability", func(t *testing.T) {
		tree, err := capability.NewTree("root", capability.PermAll, capability.ScopeGlobal)
		require.NoError(t, err)
		child, err := tree.Root().Delegate("child", capability.PermAll, capability.ScopeGlobal)
		require.NoError(t, err)
		child.Revoke()

		err = n.Initialize(child)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrCapabilityInvalid))
	})

	t.Run("expired capability", func(t *testing.T) {
		clock := newTestClock()
		tree, err := capability.NewTree("root", capability.PermAll, capability.ScopeGlobal,
			capability.WithClock(clock.now))
		require.NoError(t, err)
		root := tree.Root()
		root.SetExpiry(time.Minute)
		clock.advance(2 * time.Minute)

		err = n.Initialize(root)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrCapabilityExpired))
	})

	t.Run("scope mismatch", func(t *testing.T) {
		tree, err := capability.NewTree("root", capability.PermAll, capability.ScopeNetwork)
		require.NoError(t, err)

		err = n.Initialize(tree.Root())
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrScopeMismatch))
	})

	t.Run("missing permission", func(t *testing.T) {
		tree, err := capability.NewTree("root", capability.PermRead, capability.ScopeGlobal)
		require.NoError(t, err)

		err = n.Initialize(tree.Root())
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, errors.ErrInsufficientPermissions))
	})
}

func TestExecuteAndCompletion(t *testing.T) {
	deps, dev := newComputeDeps()
	root := newRootCap(t)

	n, err := NewComputeNode("c1", 7, 0, deps)
	require.NoError(t, err)

	desc := device.TransferDescriptor{
		ReadOffset:  0,
		WriteOffset: 6,
		Length:      64,
	}

	// Execute on an uninitialized node is rejected.
	err = n.Execute(root, desc)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNotInitialized))

	require.NoError(t, n.Initialize(root))
	require.NoError(t, n.ClearCompletion(root))
	require.NoError(t, n.Execute(root, desc))

	issued := dev.Issued()
	require.Len(t, issued, 1)
	assert.Equal(t, device.OpTag(7), issued[0].Op)
	assert.Equal(t, desc, issued[0].Desc)

	done, err := n.CheckCompletion(root)
	require.NoError(t, err)
	assert.True(t, done, "zero-latency device completes on first poll")
}

func TestAllocAndFreeMem(t *testing.T) {
	deps, dev := newComputeDeps()
	root := newRootCap(t)

	n, err := NewComputeNode("c1", 1, 0, deps)
	require.NoError(t, err)

	// Allocation needs an initialized node.
	_, _, err = n.AllocMem(root, 100)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNotInitialized))

	require.NoError(t, n.Initialize(root))

	_, _, err = n.AllocMem(root, 0)
	require.Error(t, err)

	handle, aligned, err := n.AllocMem(root, 100)
	require.NoError(t, err)
	assert.Equal(t, device.AlignSize(100), aligned)
	assert.Equal(t, aligned, dev.AllocatedBytes())

	require.NoError(t, n.FreeMem(root, handle))
	assert.Zero(t, dev.AllocatedBytes())

	// Double free is a device error.
	err = n.FreeMem(root, handle)
	require.Error(t, err)
}

func TestRouteSwitch(t *testing.T) {
	deps, dev := newComputeDeps()
	root := newRootCap(t)

	n, err := NewComputeNode("c1", 1, 0, deps)
	require.NoError(t, err)

	// Switching needs an initialized node.
	err = n.RouteSwitch(root, 0x2a)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNotInitialized))

	require.NoError(t, n.Initialize(root))

	readOnly, err := capability.NewTree("root", capability.PermRead, capability.ScopeGlobal)
	require.NoError(t, err)
	err = n.RouteSwitch(readOnly.Root(), 0x2a)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInsufficientPermissions))

	require.NoError(t, n.RouteSwitch(root, 0x2a))
	route, set := dev.LastRoute()
	require.True(t, set, "fabric programmed")
	assert.Equal(t, uint16(0x2a), route)

	// Route ids are 14-bit; the device rejects anything wider.
	err = n.RouteSwitch(root, 1<<14)
	require.Error(t, err)
}

func TestKindScopeMapping(t *testing.T) {
	assert.Equal(t, capability.ScopeLocal, KindCompute.Scope())
	assert.Equal(t, capability.ScopeNetwork, KindNetworkTCP.Scope())
	assert.Equal(t, capability.ScopeSoftware, KindSoftwareParser.Scope())
	assert.Equal(t, capability.ScopeRemote, KindRemoteProxy.Scope())
}
