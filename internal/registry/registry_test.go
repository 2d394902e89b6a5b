package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashring/internal/hashfn"
)

func newTestRegistry(base int) *Registry {
	return New(Options{BaseVirtualNodes: base, Hash: hashfn.Murmur3, LockTimeout: time.Second})
}

func TestVirtualCountFor(t *testing.T) {
	tests := []struct {
		base   int
		weight float64
		want   int
	}{
		{base: 150, weight: 1.0, want: 150},
		{base: 150, weight: 2.0, want: 300},
		{base: 150, weight: 0.5, want: 75},
		{base: 100, weight: 0.333, want: 33},
		{base: 100, weight: 0.005, want: 1},
		{base: 10, weight: 0.001, want: 1},
		{base: 3, weight: 0.5, want: 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d×%v", tt.base, tt.weight), func(t *testing.T) {
			assert.Equal(t, tt.want, VirtualCountFor(tt.base, tt.weight))
		})
	}
}

func TestRegistry_AddNode(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(100)

	require.NoError(t, reg.AddNode(ctx, PhysicalNode{
		ID:       "a",
		Addr:     "10.0.0.1:7000",
		Weight:   1.5,
		Zone:     "us-east-1a",
		Metadata: map[string]string{"rack": "r1"},
	}))

	node, ok := reg.GetNode("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7000", node.Addr)
	assert.Equal(t, "us-east-1a", node.Zone)
	assert.Equal(t, "r1", node.Metadata["rack"])

	snap := reg.Snapshot()
	assert.Equal(t, 150, snap.Ring.VirtualCount("a"))
	assert.Equal(t, 150, snap.VirtualCount())
	assert.Equal(t, 1, snap.PhysicalCount())
}

func TestRegistry_AddNodeErrors(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(10)
	require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: "a", Weight: 1}))

	tests := []struct {
		name string
		node PhysicalNode
		want error
	}{
		{name: "duplicate", node: PhysicalNode{ID: "a", Weight: 1}, want: ErrDuplicateNode},
		{name: "zero weight", node: PhysicalNode{ID: "b", Weight: 0}, want: ErrInvalidWeight},
		{name: "negative weight", node: PhysicalNode{ID: "b", Weight: -1}, want: ErrInvalidWeight},
		{name: "NaN weight", node: PhysicalNode{ID: "b", Weight: math.NaN()}, want: ErrInvalidWeight},
		{name: "infinite weight", node: PhysicalNode{ID: "b", Weight: math.Inf(1)}, want: ErrInvalidWeight},
		{name: "empty id", node: PhysicalNode{Weight: 1}, want: ErrInvalidNode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.AddNode(ctx, tt.node)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 1, reg.Snapshot().PhysicalCount(), "failed adds must not change the topology")
	assert.Equal(t, 10, reg.Snapshot().VirtualCount())
}

func TestRegistry_RemoveNode(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(50)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: id, Weight: 1}))
	}

	require.NoError(t, reg.RemoveNode(ctx, "b"))
	_, ok := reg.GetNode("b")
	assert.False(t, ok)
	assert.Equal(t, 100, reg.Snapshot().VirtualCount())
	assert.Equal(t, []string{"a", "c"}, reg.Snapshot().NodeIDs())

	err := reg.RemoveNode(ctx, "b")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestRegistry_ListNodesSorted(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(5)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: id, Weight: 1}))
	}
	nodes := reg.ListNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "b", nodes[1].ID)
	assert.Equal(t, "c", nodes[2].ID)
}

func TestRegistry_ReturnedNodesAreCopies(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(5)
	require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: "a", Weight: 1, Metadata: map[string]string{"k": "v"}}))

	node, _ := reg.GetNode("a")
	node.Metadata["k"] = "changed"

	again, _ := reg.GetNode("a")
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestRegistry_SnapshotIsImmutable(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(20)
	require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: "a", Weight: 1}))

	old := reg.Snapshot()
	require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: "b", Weight: 1}))
	require.NoError(t, reg.SetVirtualCount(ctx, "a", 5))

	assert.Equal(t, 1, old.PhysicalCount())
	assert.Equal(t, 20, old.Ring.VirtualCount("a"))
	assert.Equal(t, 0, old.Ring.VirtualCount("b"))
	assert.Greater(t, reg.Snapshot().Version, old.Version)
}

func TestRegistry_SetVirtualCount(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(20)
	require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: "a", Weight: 1}))
	require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: "b", Weight: 1}))
	bPositions := reg.Snapshot().Ring.Positions("b")

	require.NoError(t, reg.SetVirtualCount(ctx, "a", 35))
	assert.Equal(t, 35, reg.Snapshot().Ring.VirtualCount("a"))
	assert.Equal(t, bPositions, reg.Snapshot().Ring.Positions("b"), "other nodes must not move")

	assert.ErrorIs(t, reg.SetVirtualCount(ctx, "zzz", 10), ErrUnknownNode)
	assert.Error(t, reg.SetVirtualCount(ctx, "a", 0))
	assert.Equal(t, 35, reg.Snapshot().Ring.VirtualCount("a"))
}

func TestRegistry_LockContentionTimeout(t *testing.T) {
	reg := New(Options{BaseVirtualNodes: 10, LockTimeout: 20 * time.Millisecond})

	// Simulate a long-running mutation holding exclusive access.
	reg.sem <- struct{}{}

	start := time.Now()
	err := reg.AddNode(context.Background(), PhysicalNode{ID: "a", Weight: 1})
	require.ErrorIs(t, err, ErrLockContentionTimeout)
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)

	// Readers are unaffected while a writer holds the lock.
	assert.Equal(t, 0, reg.Snapshot().PhysicalCount())

	reg.release()
	require.NoError(t, reg.AddNode(context.Background(), PhysicalNode{ID: "a", Weight: 1}))
}

func TestRegistry_AcquireRespectsCancel(t *testing.T) {
	reg := New(Options{BaseVirtualNodes: 10})
	reg.sem <- struct{}{}
	defer reg.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := reg.RemoveNode(ctx, "a")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsRetryable(err))
}

func TestRegistry_ConcurrentReadersDuringWrites(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(50)
	require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: "base", Weight: 1}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				snap := reg.Snapshot()
				v, ok := snap.Ring.Locate(fmt.Sprintf("w%d-key-%d", worker, j))
				if !ok {
					t.Error("Lookup on a ring with a permanent member returned nothing")
					return
				}
				if _, known := snap.Node(v.PhysicalID); !known {
					t.Errorf("Snapshot ring references unregistered node %s", v.PhysicalID)
					return
				}
				// Every registered node's full set is present or absent.
				for _, id := range snap.NodeIDs() {
					if c := snap.Ring.VirtualCount(id); c != 50 {
						t.Errorf("Observed partial node %s with %d vnodes", id, c)
						return
					}
				}
			}
		}(i)
	}

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("n%d", i)
		require.NoError(t, reg.AddNode(ctx, PhysicalNode{ID: id, Weight: 1}))
		if i%2 == 0 {
			require.NoError(t, reg.RemoveNode(ctx, id))
		}
	}
	close(stop)
	wg.Wait()
}
