package placement

import (
	"time"

	"hashring/internal/registry"
	"hashring/internal/ring"
)

// ErrEmptyRing is returned when no nodes are registered.
var ErrEmptyRing = ring.ErrEmptyRing

// Source supplies the topology a lookup resolves against.
type Source interface {
	Snapshot() *registry.Topology
}

// Observer is told about every resolved primary owner.
type Observer interface {
	ObserveLookup(key, owner string, latency time.Duration)
}

// Engine resolves keys to physical nodes. Each call works on a single
// topology snapshot, so its answer is consistent even while membership
// changes concurrently.
type Engine struct {
	source   Source
	observer Observer
}

// New creates an engine. observer may be nil.
func New(source Source, observer Observer) *Engine {
	return &Engine{
		source:   source,
		observer: observer,
	}
}

func (e *Engine) observe(key, owner string, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveLookup(key, owner, time.Since(start))
	}
}

// GetOwner returns the node that owns key.
func (e *Engine) GetOwner(key string) (registry.PhysicalNode, error) {
	start := time.Now()
	topo := e.source.Snapshot()

	v, ok := topo.Ring.Locate(key)
	if !ok {
		return registry.PhysicalNode{}, ErrEmptyRing
	}
	node, _ := topo.Node(v.PhysicalID)
	e.observe(key, node.ID, start)
	return node, nil
}

// GetReplicas returns min(n, node count) distinct nodes for key in clockwise
// ring order. The first is the owner.
func (e *Engine) GetReplicas(key string, n int) ([]registry.PhysicalNode, error) {
	start := time.Now()
	topo := e.source.Snapshot()
	if topo.Ring.Len() == 0 {
		return nil, ErrEmptyRing
	}

	ids := topo.Ring.Successors(topo.Ring.HashKey(key), n)
	replicas := make([]registry.PhysicalNode, 0, len(ids))
	for _, id := range ids {
		node, _ := topo.Node(id)
		replicas = append(replicas, node)
	}
	if len(replicas) > 0 {
		e.observe(key, replicas[0].ID, start)
	}
	return replicas, nil
}

// GetReplicasZoneDiverse returns min(n, node count) distinct nodes for key,
// preferring distinct zones.
//
// The first pass walks the ring clockwise and takes the first node seen from
// each zone until n nodes are chosen or every zone has contributed. The second
// pass fills remaining slots with the unused nodes in ring order, repeating
// zones. Nodes without a zone share the empty zone.
func (e *Engine) GetReplicasZoneDiverse(key string, n int) ([]registry.PhysicalNode, error) {
	start := time.Now()
	topo := e.source.Snapshot()
	if topo.Ring.Len() == 0 {
		return nil, ErrEmptyRing
	}
	if n <= 0 {
		return []registry.PhysicalNode{}, nil
	}

	candidates := zoneCandidates(topo, topo.Ring.HashKey(key))
	if n > len(candidates) {
		n = len(candidates)
	}

	replicas := make([]registry.PhysicalNode, 0, n)
	used := make([]bool, len(candidates))
	zones := make(map[string]struct{})
	for i, c := range candidates {
		if len(replicas) == n {
			break
		}
		if _, taken := zones[c.Zone]; taken {
			continue
		}
		zones[c.Zone] = struct{}{}
		used[i] = true
		replicas = append(replicas, c)
	}
	for i, c := range candidates {
		if len(replicas) == n {
			break
		}
		if !used[i] {
			replicas = append(replicas, c)
		}
	}

	e.observe(key, candidates[0].ID, start)
	return replicas, nil
}

// zoneCandidates lists every physical node in the order a clockwise walk from
// pos first meets it.
func zoneCandidates(topo *registry.Topology, pos uint64) []registry.PhysicalNode {
	total := topo.Ring.PhysicalCount()
	seen := make(map[string]struct{}, total)
	out := make([]registry.PhysicalNode, 0, total)
	topo.Ring.Walk(pos, func(v ring.VirtualNode) bool {
		if _, dup := seen[v.PhysicalID]; dup {
			return true
		}
		seen[v.PhysicalID] = struct{}{}
		node, _ := topo.Node(v.PhysicalID)
		out = append(out, node)
		return len(out) < total
	})
	return out
}
