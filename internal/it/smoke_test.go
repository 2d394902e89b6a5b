package it

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashring/internal/membership"
)

const (
	binaryPath = "./ringd"
	basePort   = 61051
	seedNodes  = "A=10.0.0.1:7000;zone=a,B=10.0.0.2:7000;zone=b,C=10.0.0.3:7000;zone=c,D=10.0.0.4:7000;zone=a"
)

func startCluster(t *testing.T, n int) (*Cluster, context.Context) {
	t.Helper()
	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		t.Skip("Binary not found, skipping integration test. Build with: go build -o internal/it/ringd ./cmd/ringd")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	cluster, err := NewCluster(binaryPath)
	require.NoError(t, err)
	t.Cleanup(cluster.Stop)

	require.NoError(t, cluster.StartCluster(ctx, n, basePort, seedNodes), "Failed to start cluster")
	return cluster, ctx
}

func owners(t *testing.T, ctx context.Context, p *Process, keys []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		n, err := p.Client().Lookup(ctx, k)
		require.NoError(t, err)
		out[k] = n.ID
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

func TestSmoke_ProcessesAgreeOnOwners(t *testing.T) {
	cluster, ctx := startCluster(t, 2)
	keys := testKeys(200)

	procs := cluster.Processes()
	require.Len(t, procs, 2)
	assert.Equal(t, owners(t, ctx, procs[0], keys), owners(t, ctx, procs[1], keys))
}

func TestSmoke_BroadcastMembership(t *testing.T) {
	cluster, ctx := startCluster(t, 2)
	keys := testKeys(200)
	before := owners(t, ctx, cluster.GetProcess("r1"), keys)

	require.NoError(t, cluster.Broadcast(ctx, []membership.Member{
		{ID: "E", Addr: "10.0.0.5:7000", Zone: "b", Weight: 1, Status: membership.Alive, Incarnation: 1},
	}))

	for _, p := range cluster.Processes() {
		m, err := p.Client().GetMetrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, m.PhysicalNodeCount, "process %s", p.ID)
	}

	after := owners(t, ctx, cluster.GetProcess("r1"), keys)
	assert.Equal(t, after, owners(t, ctx, cluster.GetProcess("r2"), keys))
	for _, k := range keys {
		if before[k] != after[k] {
			assert.Equal(t, "E", after[k], "key %s moved between existing nodes", k)
		}
	}

	require.NoError(t, cluster.Broadcast(ctx, []membership.Member{
		{ID: "E", Status: membership.Dead, Incarnation: 2},
	}))
	assert.Equal(t, before, owners(t, ctx, cluster.GetProcess("r2"), keys))
}

func TestSmoke_OwnersSurviveRestart(t *testing.T) {
	cluster, ctx := startCluster(t, 1)
	keys := testKeys(200)
	before := owners(t, ctx, cluster.GetProcess("r1"), keys)

	require.NoError(t, cluster.RestartProcess(ctx, "r1"))
	assert.Equal(t, before, owners(t, ctx, cluster.GetProcess("r1"), keys))

	out, err := cluster.GetProcess("r1").Client().Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "nodes=4")
}
