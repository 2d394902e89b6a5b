// Package registry tracks physical nodes (address, weight, zone, metadata)
// and derives their virtual node sets on the ring. The published topology is
// swapped atomically so lookups never observe a half-applied membership
// change.
package registry
