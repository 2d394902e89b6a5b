// Package rebalance adjusts per-node virtual node counts so that observed
// primary ownership load evens out.
//
// A cycle measures load over the metrics sample, and when the coefficient of
// variation exceeds the target it shrinks overloaded nodes and grows
// underloaded ones. Each node's new set is installed on its own through the
// registry, so a failure affects only that node. A cycle whose changes make
// the distribution worse is reverted.
package rebalance
