package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// DefaultSampleSize is the number of recent lookups kept for load analysis.
const DefaultSampleSize = 10000

// Collector records lookup outcomes. All methods are safe for concurrent use
// and recording never takes a lock.
type Collector struct {
	lookups      atomic.Uint64
	latencyNanos atomic.Int64

	// Rolling window of recently looked-up keys. next counts every write;
	// slot i holds write number i mod len(sample).
	sample []atomic.Pointer[string]
	next   atomic.Uint64
}

// NewCollector creates a collector that keeps the last sampleSize keys.
func NewCollector(sampleSize int) *Collector {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Collector{
		sample: make([]atomic.Pointer[string], sampleSize),
	}
}

// ObserveLookup records one primary-owner lookup.
func (c *Collector) ObserveLookup(key, owner string, latency time.Duration) {
	c.lookups.Add(1)
	c.latencyNanos.Add(int64(latency))
	slot := (c.next.Add(1) - 1) % uint64(len(c.sample))
	c.sample[slot].Store(&key)
}

// TotalLookups returns the number of lookups observed.
func (c *Collector) TotalLookups() uint64 {
	return c.lookups.Load()
}

// AvgLatency returns the mean lookup latency.
func (c *Collector) AvgLatency() time.Duration {
	n := c.lookups.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(c.latencyNanos.Load() / int64(n))
}

// SampleSize returns the capacity of the rolling window.
func (c *Collector) SampleSize() int {
	return len(c.sample)
}

// Sample returns the keys in the rolling window, oldest first.
func (c *Collector) Sample() []string {
	written := c.next.Load()
	size := uint64(len(c.sample))
	start := uint64(0)
	n := written
	if written > size {
		start = written % size
		n = size
	}
	keys := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		if k := c.sample[(start+i)%size].Load(); k != nil {
			keys = append(keys, *k)
		}
	}
	return keys
}

// Reset clears all counters and the rolling window.
func (c *Collector) Reset() {
	c.lookups.Store(0)
	c.latencyNanos.Store(0)
	for i := range c.sample {
		c.sample[i].Store(nil)
	}
	c.next.Store(0)
}

// Loads counts how many keys each node owns according to resolve. Every ID in
// nodeIDs appears in the result, with zero if it owns none of the keys.
func Loads(keys []string, nodeIDs []string, resolve func(key string) (string, bool)) map[string]int {
	loads := make(map[string]int, len(nodeIDs))
	for _, id := range nodeIDs {
		loads[id] = 0
	}
	for _, key := range keys {
		owner, ok := resolve(key)
		if !ok {
			continue
		}
		if _, known := loads[owner]; known {
			loads[owner]++
		}
	}
	return loads
}

// Load is a per-node load: a key count, or a count scaled by node weight.
type Load interface {
	~int | ~float64
}

// CoefficientOfVariation returns the population standard deviation of loads
// divided by their mean. It is zero for fewer than two nodes or no load.
func CoefficientOfVariation[L Load](loads map[string]L) float64 {
	if len(loads) < 2 {
		return 0
	}
	var sum float64
	for _, l := range loads {
		sum += float64(l)
	}
	mean := sum / float64(len(loads))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, l := range loads {
		d := float64(l) - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(loads))) / mean
}
