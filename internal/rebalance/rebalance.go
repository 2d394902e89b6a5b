package rebalance

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"hashring/internal/metrics"
	"hashring/internal/registry"
)

// State is the rebalance state of a physical node.
type State int

const (
	Stable State = iota
	Adjusting
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Stable:
		return "STABLE"
	case Adjusting:
		return "ADJUSTING"
	default:
		return "UNKNOWN"
	}
}

// Topology is the node registry as seen by the controller.
type Topology interface {
	Snapshot() *registry.Topology
	SetVirtualCount(ctx context.Context, id string, count int) error
}

// Sampler supplies the recently looked-up keys that load is measured over.
type Sampler interface {
	Sample() []string
}

// Config controls when and how far virtual node counts are adjusted.
type Config struct {
	TargetCV        float64
	PollInterval    time.Duration
	MinVirtualNodes int
	MaxVirtualNodes int
	HighWatermark   float64
	LowWatermark    float64
	ShrinkFactor    float64
	GrowFactor      float64
	// MinSamples is the smallest sample a cycle will act on.
	MinSamples int
	// WeightAware divides each node's load by its weight before comparing
	// nodes. Without it a heavier node counts as overloaded and is shrunk
	// until its load matches the others.
	WeightAware bool
}

// DefaultConfig returns the default configuration for a ring whose weight-1.0
// nodes carry baseVirtualNodes virtual nodes.
func DefaultConfig(baseVirtualNodes int) Config {
	if baseVirtualNodes <= 0 {
		baseVirtualNodes = registry.DefaultBaseVirtualNodes
	}
	return Config{
		TargetCV:        0.05,
		PollInterval:    30 * time.Second,
		MinVirtualNodes: 1,
		MaxVirtualNodes: baseVirtualNodes * 10,
		HighWatermark:   1.2,
		LowWatermark:    0.8,
		ShrinkFactor:    0.9,
		GrowFactor:      1.1,
		MinSamples:      1000,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults(baseVirtualNodes int) Config {
	d := DefaultConfig(baseVirtualNodes)
	if c.TargetCV <= 0 {
		c.TargetCV = d.TargetCV
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MinVirtualNodes <= 0 {
		c.MinVirtualNodes = d.MinVirtualNodes
	}
	if c.MaxVirtualNodes <= 0 {
		c.MaxVirtualNodes = d.MaxVirtualNodes
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = d.HighWatermark
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = d.LowWatermark
	}
	if c.ShrinkFactor <= 0 {
		c.ShrinkFactor = d.ShrinkFactor
	}
	if c.GrowFactor <= 0 {
		c.GrowFactor = d.GrowFactor
	}
	if c.MinSamples < 0 {
		c.MinSamples = 0
	}
	return c
}

// Adjustment is one planned change to a node's virtual node count.
type Adjustment struct {
	NodeID    string
	LoadRatio float64
	From      int
	To        int
	// Err is set when the new count could not be installed.
	Err error
}

// Report describes one rebalance cycle.
type Report struct {
	Samples     int
	CVBefore    float64
	CVAfter     float64
	Adjustments []Adjustment
	Failed      int
	// RolledBack is set when the installed changes raised the CV and were
	// reverted.
	RolledBack bool
	// Skipped explains why a cycle made no attempt, or is empty.
	Skipped string
}

// Changed reports whether the cycle left any node with a new count.
func (r Report) Changed() bool {
	return !r.RolledBack && len(r.Adjustments) > r.Failed
}

// Controller runs rebalance cycles against a Topology.
type Controller struct {
	cfg     Config
	topo    Topology
	sampler Sampler

	// cycleMu serializes cycles from the loop and from callers.
	cycleMu sync.Mutex

	stateMu sync.RWMutex
	states  map[string]State

	trigger chan struct{}
	reports chan Report

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller. Zero fields of cfg take their defaults.
func New(cfg Config, topo Topology, sampler Sampler, baseVirtualNodes int) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(baseVirtualNodes),
		topo:    topo,
		sampler: sampler,
		states:  make(map[string]State),
		trigger: make(chan struct{}, 1),
		reports: make(chan Report, 16),
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Reports delivers the report of every completed cycle. Reports are dropped
// when nobody keeps up with the channel.
func (c *Controller) Reports() <-chan Report {
	return c.reports
}

// States returns the state of every registered node.
func (c *Controller) States() map[string]State {
	ids := c.topo.Snapshot().NodeIDs()
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	out := make(map[string]State, len(ids))
	for _, id := range ids {
		out[id] = c.states[id]
	}
	return out
}

func (c *Controller) setState(id string, s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if s == Stable {
		delete(c.states, id)
		return
	}
	c.states[id] = s
}

// measure computes per-node load over keys against topo, divided by node
// weight when weightAware is set.
func measure(topo *registry.Topology, keys []string, weightAware bool) map[string]float64 {
	counts := metrics.Loads(keys, topo.NodeIDs(), func(key string) (string, bool) {
		v, ok := topo.Ring.Locate(key)
		return v.PhysicalID, ok
	})
	loads := make(map[string]float64, len(counts))
	for id, n := range counts {
		load := float64(n)
		if weightAware {
			if node, ok := topo.Node(id); ok && node.Weight > 0 {
				load /= node.Weight
			}
		}
		loads[id] = load
	}
	return loads
}

// plan returns the count changes for loads. counts holds each node's current
// virtual node count. The result is ordered by node ID.
func plan(loads map[string]float64, counts map[string]int, cfg Config) []Adjustment {
	if len(loads) == 0 {
		return nil
	}
	var total float64
	for _, l := range loads {
		total += l
	}
	mean := total / float64(len(loads))
	if mean == 0 {
		return nil
	}

	ids := make([]string, 0, len(loads))
	for id := range loads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Adjustment
	for _, id := range ids {
		from := counts[id]
		ratio := loads[id] / mean

		var to int
		switch {
		case ratio > cfg.HighWatermark:
			to = int(math.Round(float64(from) * cfg.ShrinkFactor))
			if to >= from {
				to = from - 1
			}
		case ratio < cfg.LowWatermark:
			to = int(math.Round(float64(from) * cfg.GrowFactor))
			if to <= from {
				to = from + 1
			}
		default:
			continue
		}
		to = max(cfg.MinVirtualNodes, min(cfg.MaxVirtualNodes, to))
		if to == from {
			continue
		}
		out = append(out, Adjustment{NodeID: id, LoadRatio: ratio, From: from, To: to})
	}
	return out
}

// RunOnce performs one rebalance cycle. Installation failures are recorded in
// the report and logged; the returned error is only set when ctx ended before
// the cycle began.
func (c *Controller) RunOnce(ctx context.Context) (Report, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := c.runCycle(ctx)
	select {
	case c.reports <- report:
	default:
	}
	return report, nil
}

func (c *Controller) runCycle(ctx context.Context) Report {
	topo := c.topo.Snapshot()
	keys := c.sampler.Sample()
	report := Report{Samples: len(keys)}

	if topo.PhysicalCount() < 2 {
		report.Skipped = "fewer than two nodes"
		return report
	}
	if len(keys) == 0 || len(keys) < c.cfg.MinSamples {
		report.Skipped = "not enough samples"
		return report
	}

	loads := measure(topo, keys, c.cfg.WeightAware)
	report.CVBefore = metrics.CoefficientOfVariation(loads)
	report.CVAfter = report.CVBefore
	if report.CVBefore <= c.cfg.TargetCV {
		report.Skipped = "within target"
		return report
	}

	counts := make(map[string]int, len(loads))
	for id := range loads {
		counts[id] = topo.Ring.VirtualCount(id)
	}
	report.Adjustments = plan(loads, counts, c.cfg)

	var applied []Adjustment
	for i := range report.Adjustments {
		adj := &report.Adjustments[i]
		c.setState(adj.NodeID, Adjusting)
		if err := c.topo.SetVirtualCount(ctx, adj.NodeID, adj.To); err != nil {
			adj.Err = err
			report.Failed++
			log.Printf("[rebalance] WARNING: keeping %d vnodes on %s: %v", adj.From, adj.NodeID, err)
		} else {
			applied = append(applied, *adj)
		}
		c.setState(adj.NodeID, Stable)
	}
	if len(applied) == 0 {
		return report
	}

	report.CVAfter = metrics.CoefficientOfVariation(measure(c.topo.Snapshot(), keys, c.cfg.WeightAware))
	if report.CVAfter > report.CVBefore {
		c.revert(ctx, applied)
		report.RolledBack = true
		log.Printf("[rebalance] CV rose from %.4f to %.4f, reverted %d nodes",
			report.CVBefore, report.CVAfter, len(applied))
		report.CVAfter = metrics.CoefficientOfVariation(measure(c.topo.Snapshot(), keys, c.cfg.WeightAware))
		return report
	}

	log.Printf("[rebalance] Adjusted %d nodes (%d failed), CV %.4f -> %.4f",
		len(applied), report.Failed, report.CVBefore, report.CVAfter)
	return report
}

// revert restores the prior counts of applied adjustments. It runs to
// completion even if ctx has been cancelled.
func (c *Controller) revert(ctx context.Context, applied []Adjustment) {
	ctx = context.WithoutCancel(ctx)
	for _, adj := range applied {
		c.setState(adj.NodeID, Adjusting)
		err := c.topo.SetVirtualCount(ctx, adj.NodeID, adj.From)
		if err != nil && !errors.Is(err, registry.ErrUnknownNode) {
			log.Printf("[rebalance] WARNING: failed to restore %d vnodes on %s: %v", adj.From, adj.NodeID, err)
		}
		c.setState(adj.NodeID, Stable)
	}
}

// Start runs cycles every PollInterval and whenever Trigger is called, until
// ctx is done or Stop is called. Calling Start on a running controller has no
// effect.
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-c.trigger:
			}
			if _, err := c.RunOnce(ctx); err != nil {
				return
			}
		}
	}()
	log.Printf("[rebalance] Started (interval=%v target_cv=%.3f)", c.cfg.PollInterval, c.cfg.TargetCV)
}

// Stop ends the loop started by Start and waits for an in-flight cycle.
func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

// Trigger requests a cycle from the running loop without waiting for it.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}
