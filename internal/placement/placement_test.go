package placement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashring/internal/hashfn"
	"hashring/internal/registry"
)

type recorder struct {
	keys   []string
	owners []string
}

func (r *recorder) ObserveLookup(key, owner string, _ time.Duration) {
	r.keys = append(r.keys, key)
	r.owners = append(r.owners, owner)
}

func newRegistry(t *testing.T, nodes ...registry.PhysicalNode) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{Hash: hashfn.Murmur3})
	for _, n := range nodes {
		if n.Weight == 0 {
			n.Weight = 1
		}
		require.NoError(t, reg.AddNode(context.Background(), n))
	}
	return reg
}

func nodes(ids ...string) []registry.PhysicalNode {
	out := make([]registry.PhysicalNode, len(ids))
	for i, id := range ids {
		out[i] = registry.PhysicalNode{ID: id, Weight: 1}
	}
	return out
}

func testKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	return keys
}

func owners(t *testing.T, e *Engine, keys []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		n, err := e.GetOwner(k)
		require.NoError(t, err)
		out[k] = n.ID
	}
	return out
}

func TestEngine_EmptyRing(t *testing.T) {
	e := New(newRegistry(t), nil)

	_, err := e.GetOwner("k")
	assert.True(t, errors.Is(err, ErrEmptyRing))
	_, err = e.GetReplicas("k", 3)
	assert.True(t, errors.Is(err, ErrEmptyRing))
	_, err = e.GetReplicasZoneDiverse("k", 3)
	assert.True(t, errors.Is(err, ErrEmptyRing))
}

func TestEngine_SingleNodeOwnsEverything(t *testing.T) {
	e := New(newRegistry(t, nodes("only")...), nil)
	for _, k := range testKeys(100) {
		n, err := e.GetOwner(k)
		require.NoError(t, err)
		assert.Equal(t, "only", n.ID)
	}
}

func TestEngine_OwnerCarriesNodeFields(t *testing.T) {
	reg := newRegistry(t, registry.PhysicalNode{
		ID: "a", Addr: "10.0.0.1:7000", Weight: 1, Zone: "us-east-1a",
		Metadata: map[string]string{"rack": "r1"},
	})
	n, err := New(reg, nil).GetOwner("anything")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", n.Addr)
	assert.Equal(t, "us-east-1a", n.Zone)
	assert.Equal(t, "r1", n.Metadata["rack"])
}

func TestEngine_ObservesPrimaryOwner(t *testing.T) {
	rec := &recorder{}
	e := New(newRegistry(t, nodes("a", "b", "c")...), rec)

	owner, err := e.GetOwner("k1")
	require.NoError(t, err)
	replicas, err := e.GetReplicas("k2", 2)
	require.NoError(t, err)
	diverse, err := e.GetReplicasZoneDiverse("k3", 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"k1", "k2", "k3"}, rec.keys)
	assert.Equal(t, []string{owner.ID, replicas[0].ID, diverse[0].ID}, rec.owners)
}

func TestEngine_Determinism(t *testing.T) {
	keys := testKeys(1000)
	a := New(newRegistry(t, nodes("A", "B", "C", "D")...), nil)
	b := New(newRegistry(t, nodes("D", "C", "B", "A")...), nil)
	assert.Equal(t, owners(t, a, keys), owners(t, b, keys))
	assert.Equal(t, owners(t, a, keys), owners(t, a, keys))
}

func TestEngine_ReplicasDistinct(t *testing.T) {
	e := New(newRegistry(t, nodes("A", "B", "C", "D")...), nil)
	for _, n := range []int{0, 1, 2, 3, 4, 5, 10} {
		want := n
		if want > 4 {
			want = 4
		}
		for _, k := range testKeys(200) {
			replicas, err := e.GetReplicas(k, n)
			require.NoError(t, err)
			require.Len(t, replicas, want)

			seen := make(map[string]bool)
			for _, r := range replicas {
				assert.False(t, seen[r.ID], "duplicate replica %s for %s", r.ID, k)
				seen[r.ID] = true
			}
			if n > 0 {
				owner, err := e.GetOwner(k)
				require.NoError(t, err)
				assert.Equal(t, owner.ID, replicas[0].ID)
			}
		}
	}
}

func TestEngine_ReplicasArePrefixes(t *testing.T) {
	e := New(newRegistry(t, nodes("A", "B", "C", "D", "E")...), nil)
	for _, k := range testKeys(100) {
		full, err := e.GetReplicas(k, 5)
		require.NoError(t, err)
		for n := 1; n < 5; n++ {
			part, err := e.GetReplicas(k, n)
			require.NoError(t, err)
			assert.Equal(t, full[:n], part)
		}
	}
}

// Four equal nodes, 10k keys, then a fifth node joins.
func TestEngine_BalanceAndMinimalRemapOnJoin(t *testing.T) {
	keys := testKeys(10000)
	reg := newRegistry(t, nodes("A", "B", "C", "D")...)
	e := New(reg, nil)

	before := owners(t, e, keys)
	counts := make(map[string]int)
	for _, o := range before {
		counts[o]++
	}
	require.Len(t, counts, 4)
	for id, c := range counts {
		share := float64(c) / float64(len(keys))
		assert.True(t, share >= 0.20 && share <= 0.30, "node %s share %.3f outside [0.20, 0.30]", id, share)
	}

	require.NoError(t, reg.AddNode(context.Background(), registry.PhysicalNode{ID: "E", Weight: 1}))
	after := owners(t, e, keys)

	moved := 0
	for _, k := range keys {
		if before[k] == after[k] {
			continue
		}
		moved++
		assert.Equal(t, "E", after[k], "key %s moved %s -> %s", k, before[k], after[k])
	}
	frac := float64(moved) / float64(len(keys))
	assert.True(t, frac >= 0.15 && frac <= 0.25, "moved fraction %.3f outside [0.15, 0.25]", frac)
	assert.Less(t, frac, 2.0/5.0)
}

func TestEngine_RemovalOnlyMovesRemovedKeys(t *testing.T) {
	keys := testKeys(5000)
	reg := newRegistry(t, nodes("A", "B", "C", "D")...)
	e := New(reg, nil)

	before := owners(t, e, keys)
	require.NoError(t, reg.RemoveNode(context.Background(), "C"))
	after := owners(t, e, keys)

	for _, k := range keys {
		if before[k] != "C" {
			assert.Equal(t, before[k], after[k], "key %s owned by %s should not move", k, before[k])
		} else {
			assert.NotEqual(t, "C", after[k])
		}
	}
}

func TestEngine_WeightScalesLoad(t *testing.T) {
	keys := testKeys(10000)
	reg := newRegistry(t,
		registry.PhysicalNode{ID: "heavy", Weight: 2},
		registry.PhysicalNode{ID: "light-1", Weight: 1},
		registry.PhysicalNode{ID: "light-2", Weight: 1},
	)
	require.Equal(t, 300, reg.Snapshot().Ring.VirtualCount("heavy"))

	counts := make(map[string]int)
	for _, o := range owners(t, New(reg, nil), keys) {
		counts[o]++
	}
	light := float64(counts["light-1"]+counts["light-2"]) / 2
	ratio := float64(counts["heavy"]) / light
	assert.InDelta(t, 2.0, ratio, 0.3, "heavy/light load ratio %.3f", ratio)
}

func zoned(id, zone string) registry.PhysicalNode {
	return registry.PhysicalNode{ID: id, Weight: 1, Zone: zone}
}

func TestEngine_ZoneDiverseCoversZones(t *testing.T) {
	reg := newRegistry(t,
		zoned("a1", "a"), zoned("a2", "a"), zoned("a3", "a"),
		zoned("b1", "b"), zoned("b2", "b"),
		zoned("c1", "c"),
	)
	e := New(reg, nil)

	for _, k := range testKeys(300) {
		replicas, err := e.GetReplicasZoneDiverse(k, 3)
		require.NoError(t, err)
		require.Len(t, replicas, 3)
		zones := make(map[string]bool)
		for _, r := range replicas {
			zones[r.Zone] = true
		}
		assert.Len(t, zones, 3, "key %s replicas %v", k, replicas)

		owner, err := e.GetOwner(k)
		require.NoError(t, err)
		assert.Equal(t, owner.ID, replicas[0].ID)
	}
}

func TestEngine_ZoneDiverseFillsWhenZonesRunOut(t *testing.T) {
	reg := newRegistry(t,
		zoned("a1", "a"), zoned("a2", "a"), zoned("a3", "a"),
		zoned("b1", "b"),
	)
	e := New(reg, nil)

	for _, k := range testKeys(200) {
		replicas, err := e.GetReplicasZoneDiverse(k, 3)
		require.NoError(t, err)
		require.Len(t, replicas, 3)

		ids := make(map[string]bool)
		zones := make(map[string]bool)
		for _, r := range replicas {
			ids[r.ID] = true
			zones[r.Zone] = true
		}
		assert.Len(t, ids, 3)
		assert.Len(t, zones, 2)
		// Both zones are represented within the first two picks.
		assert.NotEqual(t, replicas[0].Zone, replicas[1].Zone)
	}

	all, err := e.GetReplicasZoneDiverse("k", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestEngine_ZoneDiverseSingleZoneMatchesPlainReplicas(t *testing.T) {
	reg := newRegistry(t, zoned("a", "z"), zoned("b", "z"), zoned("c", "z"))
	e := New(reg, nil)
	for _, k := range testKeys(100) {
		plain, err := e.GetReplicas(k, 3)
		require.NoError(t, err)
		diverse, err := e.GetReplicasZoneDiverse(k, 3)
		require.NoError(t, err)
		assert.Equal(t, plain, diverse)
	}
}

func TestEngine_ZoneDiverseNonPositive(t *testing.T) {
	e := New(newRegistry(t, nodes("a")...), nil)
	replicas, err := e.GetReplicasZoneDiverse("k", 0)
	require.NoError(t, err)
	assert.Empty(t, replicas)
}
