// Package hashfn provides the closed set of hash functions that map keys and
// virtual node labels onto the 64-bit ring position space.
package hashfn
