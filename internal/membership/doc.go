// Package membership applies externally supplied membership updates to a
// router using SWIM-style merge rules.
//
// Propagation between router processes is left to the caller; this package
// only decides which update wins and keeps the ring holding exactly the Alive
// members.
package membership
