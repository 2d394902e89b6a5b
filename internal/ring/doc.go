// Package ring implements the ordered position space of a consistent hashing
// ring. Virtual nodes are placed by hashing "{physical_id}:{index}"; position
// collisions are resolved by stepping forward one slot at a time. Lookups find
// the clockwise successor of a key's position in O(log V).
package ring
