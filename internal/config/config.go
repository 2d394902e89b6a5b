package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"hashring/internal/hashfn"
	"hashring/internal/metrics"
	"hashring/internal/registry"
)

// Node is a physical node given in configuration.
type Node struct {
	ID       string
	Addr     string
	Zone     string
	Weight   float64
	Metadata map[string]string
}

// PhysicalNode converts n to a registry node.
func (n Node) PhysicalNode() registry.PhysicalNode {
	return registry.PhysicalNode{
		ID:       n.ID,
		Addr:     n.Addr,
		Weight:   n.Weight,
		Zone:     n.Zone,
		Metadata: n.Metadata,
	}
}

// Config holds the router configuration.
type Config struct {
	ListenAddr string
	Nodes      []Node

	BaseVirtualNodes      int
	HashFunction          hashfn.Kind
	RebalanceTargetCV     float64
	RebalancePollInterval time.Duration
	MinVirtualNodes       int
	// MaxVirtualNodes of zero means ten times BaseVirtualNodes.
	MaxVirtualNodes int
	SampleSize      int
	LockTimeout     time.Duration
	// RebalanceWeightAware compares load per unit of weight, so rebalancing
	// keeps heavier nodes proportionally loaded.
	RebalanceWeightAware bool
}

// Default returns the default configuration with no nodes.
func Default() Config {
	return Config{
		ListenAddr:            "127.0.0.1:50051",
		BaseVirtualNodes:      registry.DefaultBaseVirtualNodes,
		HashFunction:          hashfn.Default,
		RebalanceTargetCV:     0.05,
		RebalancePollInterval: 30 * time.Second,
		MinVirtualNodes:       1,
		SampleSize:            metrics.DefaultSampleSize,
		LockTimeout:           registry.DefaultLockTimeout,
	}
}

// EffectiveMaxVirtualNodes resolves the zero default of MaxVirtualNodes.
func (c *Config) EffectiveMaxVirtualNodes() int {
	if c.MaxVirtualNodes > 0 {
		return c.MaxVirtualNodes
	}
	return c.BaseVirtualNodes * 10
}

// Validate checks c for values the router cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseVirtualNodes <= 0 {
		errs = append(errs, fmt.Errorf("base virtual nodes must be positive (got %d)", c.BaseVirtualNodes))
	}
	if !c.HashFunction.Valid() {
		errs = append(errs, fmt.Errorf("unknown hash function %d", int(c.HashFunction)))
	}
	if c.RebalanceTargetCV <= 0 || math.IsNaN(c.RebalanceTargetCV) {
		errs = append(errs, fmt.Errorf("rebalance target CV must be positive (got %v)", c.RebalanceTargetCV))
	}
	if c.RebalancePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("rebalance poll interval must be positive (got %v)", c.RebalancePollInterval))
	}
	if c.MinVirtualNodes < 1 {
		errs = append(errs, fmt.Errorf("min virtual nodes must be at least 1 (got %d)", c.MinVirtualNodes))
	}
	if c.MaxVirtualNodes < 0 || (c.BaseVirtualNodes > 0 && c.EffectiveMaxVirtualNodes() < c.MinVirtualNodes) {
		errs = append(errs, fmt.Errorf("max virtual nodes %d is below min %d", c.MaxVirtualNodes, c.MinVirtualNodes))
	}
	if c.SampleSize <= 0 {
		errs = append(errs, fmt.Errorf("sample size must be positive (got %d)", c.SampleSize))
	}
	if c.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("lock timeout cannot be negative (got %v)", c.LockTimeout))
	}

	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			errs = append(errs, errors.New("node ID cannot be empty"))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node %s", n.ID))
		}
		seen[n.ID] = true
		if !(n.Weight > 0) || math.IsInf(n.Weight, 0) {
			errs = append(errs, fmt.Errorf("node %s: %w (got %v)", n.ID, registry.ErrInvalidWeight, n.Weight))
		}
	}
	return errors.Join(errs...)
}

// ParseNodes parses a comma-separated list of nodes in the format:
// "id1=addr1;zone=z;weight=2,id2=addr2"
//
// Attributes after the address are optional. zone and weight set the node's
// zone and weight; any other key=value pair is stored as metadata.
func ParseNodes(nodesStr string) ([]Node, error) {
	if strings.TrimSpace(nodesStr) == "" {
		return []Node{}, nil
	}

	parts := strings.Split(nodesStr, ",")
	nodes := make([]Node, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		fields := strings.Split(part, ";")
		kv := strings.SplitN(fields[0], "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid node format: %s (expected id=addr)", part)
		}

		node := Node{
			ID:     strings.TrimSpace(kv[0]),
			Addr:   strings.TrimSpace(kv[1]),
			Weight: 1,
		}
		if node.ID == "" || node.Addr == "" {
			return nil, fmt.Errorf("node ID and address cannot be empty: %s", part)
		}
		if seen[node.ID] {
			return nil, fmt.Errorf("duplicate node ID: %s", node.ID)
		}
		seen[node.ID] = true

		for _, attr := range fields[1:] {
			attr = strings.TrimSpace(attr)
			if attr == "" {
				continue
			}
			akv := strings.SplitN(attr, "=", 2)
			if len(akv) != 2 || strings.TrimSpace(akv[0]) == "" {
				return nil, fmt.Errorf("invalid attribute %q for node %s (expected key=value)", attr, node.ID)
			}
			key, value := strings.TrimSpace(akv[0]), strings.TrimSpace(akv[1])

			switch key {
			case "zone":
				node.Zone = value
			case "weight":
				w, err := strconv.ParseFloat(value, 64)
				if err != nil || w <= 0 || math.IsInf(w, 0) || math.IsNaN(w) {
					return nil, fmt.Errorf("node %s: %w (got %q)", node.ID, registry.ErrInvalidWeight, value)
				}
				node.Weight = w
			default:
				if node.Metadata == nil {
					node.Metadata = make(map[string]string)
				}
				node.Metadata[key] = value
			}
		}

		nodes = append(nodes, node)
	}

	return nodes, nil
}
