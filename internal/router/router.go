package router

import (
	"context"
	"fmt"
	"maps"
	"time"

	"hashring/internal/config"
	"hashring/internal/metrics"
	"hashring/internal/placement"
	"hashring/internal/rebalance"
	"hashring/internal/registry"
)

// Metrics is a point-in-time view of router activity and ring shape.
type Metrics struct {
	TotalLookups      uint64
	AvgLookupLatency  time.Duration
	LoadCV            float64
	VirtualNodeCount  int
	PhysicalNodeCount int
}

// NodeOption sets optional fields of a node passed to AddNode.
type NodeOption func(*registry.PhysicalNode)

// WithAddr sets the node's network address.
func WithAddr(addr string) NodeOption {
	return func(n *registry.PhysicalNode) {
		n.Addr = addr
	}
}

// WithMetadata attaches arbitrary key/value metadata to the node.
func WithMetadata(md map[string]string) NodeOption {
	return func(n *registry.PhysicalNode) {
		n.Metadata = maps.Clone(md)
	}
}

// Router is a consistent-hash ring with weighted, zone-aware placement and
// background rebalancing. Each Router is independent; a process may hold
// several.
type Router struct {
	cfg        config.Config
	registry   *registry.Registry
	collector  *metrics.Collector
	engine     *placement.Engine
	rebalancer *rebalance.Controller
}

// New creates a router from cfg and adds cfg.Nodes. The rebalance loop is
// not started; call Start for that.
func New(ctx context.Context, cfg config.Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	reg := registry.New(registry.Options{
		BaseVirtualNodes: cfg.BaseVirtualNodes,
		Hash:             cfg.HashFunction,
		LockTimeout:      cfg.LockTimeout,
	})
	collector := metrics.NewCollector(cfg.SampleSize)
	r := &Router{
		cfg:       cfg,
		registry:  reg,
		collector: collector,
		engine:    placement.New(reg, collector),
		rebalancer: rebalance.New(rebalance.Config{
			TargetCV:        cfg.RebalanceTargetCV,
			PollInterval:    cfg.RebalancePollInterval,
			MinVirtualNodes: cfg.MinVirtualNodes,
			MaxVirtualNodes: cfg.EffectiveMaxVirtualNodes(),
			WeightAware:     cfg.RebalanceWeightAware,
		}, reg, collector, cfg.BaseVirtualNodes),
	}

	for _, n := range cfg.Nodes {
		if err := reg.AddNode(ctx, n.PhysicalNode()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Config returns the configuration the router was built with.
func (r *Router) Config() config.Config {
	return r.cfg
}

// AddNode registers a node. weight must be finite and positive; 1.0 gives
// the base virtual node count.
func (r *Router) AddNode(ctx context.Context, id string, weight float64, zone string, opts ...NodeOption) error {
	node := registry.PhysicalNode{ID: id, Weight: weight, Zone: zone}
	for _, opt := range opts {
		opt(&node)
	}
	return r.registry.AddNode(ctx, node)
}

// RemoveNode unregisters a node.
func (r *Router) RemoveNode(ctx context.Context, id string) error {
	return r.registry.RemoveNode(ctx, id)
}

// Lookup returns the ID of the node that owns key.
func (r *Router) Lookup(key string) (string, error) {
	n, err := r.engine.GetOwner(key)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// LookupNode returns the full node that owns key.
func (r *Router) LookupNode(key string) (registry.PhysicalNode, error) {
	return r.engine.GetOwner(key)
}

// LookupReplicas returns the IDs of min(n, node count) distinct nodes for key.
func (r *Router) LookupReplicas(key string, n int) ([]string, error) {
	nodes, err := r.engine.GetReplicas(key, n)
	if err != nil {
		return nil, err
	}
	return ids(nodes), nil
}

// LookupReplicasZoneDiverse is LookupReplicas preferring distinct zones.
func (r *Router) LookupReplicasZoneDiverse(key string, n int) ([]string, error) {
	nodes, err := r.engine.GetReplicasZoneDiverse(key, n)
	if err != nil {
		return nil, err
	}
	return ids(nodes), nil
}

func ids(nodes []registry.PhysicalNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// Node returns the node registered under id.
func (r *Router) Node(id string) (registry.PhysicalNode, bool) {
	return r.registry.GetNode(id)
}

// Nodes returns all registered nodes sorted by ID.
func (r *Router) Nodes() []registry.PhysicalNode {
	return r.registry.ListNodes()
}

// loads measures per-node load over the current lookup sample.
func (r *Router) loads(topo *registry.Topology) map[string]int {
	return metrics.Loads(r.collector.Sample(), topo.NodeIDs(), func(key string) (string, bool) {
		v, ok := topo.Ring.Locate(key)
		return v.PhysicalID, ok
	})
}

// GetMetrics returns lookup statistics and the load CV over the current
// sample, measured against the current topology.
func (r *Router) GetMetrics() Metrics {
	topo := r.registry.Snapshot()
	return Metrics{
		TotalLookups:      r.collector.TotalLookups(),
		AvgLookupLatency:  r.collector.AvgLatency(),
		LoadCV:            metrics.CoefficientOfVariation(r.loads(topo)),
		VirtualNodeCount:  topo.VirtualCount(),
		PhysicalNodeCount: topo.PhysicalCount(),
	}
}

// ResetMetrics clears lookup counters and the load sample.
func (r *Router) ResetMetrics() {
	r.collector.Reset()
}

// Rebalance runs one rebalance cycle now.
func (r *Router) Rebalance(ctx context.Context) (rebalance.Report, error) {
	return r.rebalancer.RunOnce(ctx)
}

// TriggerRebalance asks the background loop for a cycle without waiting.
func (r *Router) TriggerRebalance() {
	r.rebalancer.Trigger()
}

// RebalanceReports delivers the report of every rebalance cycle.
func (r *Router) RebalanceReports() <-chan rebalance.Report {
	return r.rebalancer.Reports()
}

// Start runs the background rebalance loop until ctx is done or Close is
// called.
func (r *Router) Start(ctx context.Context) {
	r.rebalancer.Start(ctx)
}

// Close stops the rebalance loop.
func (r *Router) Close() error {
	r.rebalancer.Stop()
	return nil
}
