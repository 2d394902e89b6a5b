package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"hashring/internal/hashfn"
	"hashring/internal/ring"
)

var (
	// ErrDuplicateNode is returned when adding a node whose ID is registered.
	ErrDuplicateNode = errors.New("node already registered")
	// ErrUnknownNode is returned for operations on an unregistered ID.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInvalidWeight is returned for weights that are not finite and positive.
	ErrInvalidWeight = errors.New("weight must be a positive finite number")
	// ErrInvalidNode is returned for nodes with an empty ID.
	ErrInvalidNode = errors.New("node ID cannot be empty")
	// ErrLockContentionTimeout is returned when a mutation could not obtain
	// exclusive access in time. The operation had no effect and may be retried.
	ErrLockContentionTimeout = errors.New("timed out waiting for exclusive access to the ring")
)

// IsRetryable reports whether err is worth retrying unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContentionTimeout)
}

const (
	// DefaultBaseVirtualNodes is the number of virtual nodes for weight 1.0.
	DefaultBaseVirtualNodes = 150
	// DefaultLockTimeout bounds how long a mutation waits for another.
	DefaultLockTimeout = 2 * time.Second
)

// PhysicalNode is a cluster member that owns virtual nodes on the ring.
type PhysicalNode struct {
	ID       string
	Addr     string
	Weight   float64
	Zone     string
	Metadata map[string]string
}

func (n PhysicalNode) clone() PhysicalNode {
	n.Metadata = maps.Clone(n.Metadata)
	return n
}

// VirtualCountFor returns max(1, round(base × weight)).
func VirtualCountFor(base int, weight float64) int {
	n := int(math.Round(float64(base) * weight))
	if n < 1 {
		n = 1
	}
	return n
}

func validWeight(w float64) bool {
	return w > 0 && !math.IsInf(w, 0) && !math.IsNaN(w)
}

// Options configures a Registry.
type Options struct {
	BaseVirtualNodes int
	Hash             hashfn.Kind
	// LockTimeout bounds the wait for exclusive access; zero waits only on ctx.
	LockTimeout time.Duration
}

// Registry holds physical node metadata and the ring derived from it.
//
// Readers take a Snapshot and never block. Mutations are serialized, applied
// to a private copy of the current topology and published with one atomic
// store, so a reader sees either all of a change or none of it.
type Registry struct {
	opts    Options
	sem     chan struct{}
	current atomic.Pointer[Topology]
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.BaseVirtualNodes <= 0 {
		opts.BaseVirtualNodes = DefaultBaseVirtualNodes
	}
	if !opts.Hash.Valid() {
		opts.Hash = hashfn.Default
	}
	r := &Registry{
		opts: opts,
		sem:  make(chan struct{}, 1),
	}
	r.current.Store(&Topology{
		Ring:  ring.New(opts.Hash),
		nodes: make(map[string]PhysicalNode),
	})
	return r
}

// BaseVirtualNodes returns the virtual node count for weight 1.0.
func (r *Registry) BaseVirtualNodes() int {
	return r.opts.BaseVirtualNodes
}

// VirtualCount returns the virtual node count derived from weight.
func (r *Registry) VirtualCount(weight float64) int {
	return VirtualCountFor(r.opts.BaseVirtualNodes, weight)
}

// Snapshot returns the current published topology.
func (r *Registry) Snapshot() *Topology {
	return r.current.Load()
}

func (r *Registry) acquire(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	default:
	}
	if r.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.LockTimeout)
		defer cancel()
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrLockContentionTimeout
		}
		return ctx.Err()
	}
}

func (r *Registry) release() {
	<-r.sem
}

// update applies fn to a copy of the current topology and publishes the copy
// if fn succeeds. On error the copy is discarded.
func (r *Registry) update(ctx context.Context, fn func(next *Topology) error) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	next := r.current.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	r.current.Store(next)
	return nil
}

// AddNode registers node and places its virtual nodes on the ring.
func (r *Registry) AddNode(ctx context.Context, node PhysicalNode) error {
	if node.ID == "" {
		return ErrInvalidNode
	}
	if !validWeight(node.Weight) {
		return fmt.Errorf("node %s: %w (got %v)", node.ID, ErrInvalidWeight, node.Weight)
	}
	count := r.VirtualCount(node.Weight)

	err := r.update(ctx, func(next *Topology) error {
		if _, exists := next.nodes[node.ID]; exists {
			return fmt.Errorf("node %s: %w", node.ID, ErrDuplicateNode)
		}
		next.nodes[node.ID] = node.clone()
		next.Ring.Resize(node.ID, count)
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[registry] Added node %s (addr=%s zone=%q weight=%.2f vnodes=%d)",
		node.ID, node.Addr, node.Zone, node.Weight, count)
	return nil
}

// RemoveNode unregisters id and removes all of its virtual nodes.
func (r *Registry) RemoveNode(ctx context.Context, id string) error {
	var removed int
	err := r.update(ctx, func(next *Topology) error {
		if _, exists := next.nodes[id]; !exists {
			return fmt.Errorf("node %s: %w", id, ErrUnknownNode)
		}
		delete(next.nodes, id)
		removed = next.Ring.RemovePhysicalNode(id)
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[registry] Removed node %s (%d vnodes)", id, removed)
	return nil
}

// SetVirtualCount replaces id's virtual node set with one of the given size.
// The new set is built completely before it becomes visible; on error the
// previous set stays in place.
func (r *Registry) SetVirtualCount(ctx context.Context, id string, count int) error {
	if count < 1 {
		return fmt.Errorf("node %s: virtual node count must be positive (got %d)", id, count)
	}
	return r.update(ctx, func(next *Topology) error {
		if _, exists := next.nodes[id]; !exists {
			return fmt.Errorf("node %s: %w", id, ErrUnknownNode)
		}
		next.Ring.Resize(id, count)
		return nil
	})
}

// GetNode returns the node registered under id.
func (r *Registry) GetNode(id string) (PhysicalNode, bool) {
	return r.Snapshot().Node(id)
}

// ListNodes returns all registered nodes sorted by ID.
func (r *Registry) ListNodes() []PhysicalNode {
	return r.Snapshot().Nodes()
}

// Topology is an immutable view of the registry: the nodes and the ring
// built from them.
type Topology struct {
	Ring    *ring.Ring
	Version uint64
	nodes   map[string]PhysicalNode
}

func (t *Topology) clone() *Topology {
	return &Topology{
		Ring:    t.Ring.Clone(),
		Version: t.Version + 1,
		nodes:   maps.Clone(t.nodes),
	}
}

// Node returns the node registered under id.
func (t *Topology) Node(id string) (PhysicalNode, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return PhysicalNode{}, false
	}
	return n.clone(), true
}

// Nodes returns all nodes sorted by ID.
func (t *Topology) Nodes() []PhysicalNode {
	out := make([]PhysicalNode, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// NodeIDs returns the IDs of all nodes, sorted.
func (t *Topology) NodeIDs() []string {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PhysicalCount returns the number of registered nodes.
func (t *Topology) PhysicalCount() int {
	return len(t.nodes)
}

// VirtualCount returns the total number of virtual nodes on the ring.
func (t *Topology) VirtualCount() int {
	return t.Ring.Len()
}

// Zone returns the zone of id, or "" if unknown.
func (t *Topology) Zone(id string) string {
	return t.nodes[id].Zone
}
