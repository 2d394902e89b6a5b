package ring

import (
	"errors"
	"maps"
	"sort"
	"strconv"

	"github.com/google/btree"

	"hashring/internal/hashfn"
)

// ErrEmptyRing is returned when a lookup is made against a ring with no
// virtual nodes.
var ErrEmptyRing = errors.New("ring is empty")

const treeDegree = 32

// VirtualNode is one position on the ring owned by a physical node.
type VirtualNode struct {
	PhysicalID string
	Index      int
	Position   uint64
}

// Ring maps positions in [0, 2^64) to virtual nodes.
//
// A Ring is not safe for concurrent mutation. Writers work on a private Clone
// and publish it; a published Ring is only read.
type Ring struct {
	hash hashfn.Kind
	tree *btree.BTreeG[VirtualNode]
	// physical ID -> virtual index -> position. Inner maps are never
	// modified after they are stored, so clones may share them.
	owners map[string]map[int]uint64
}

func byPosition(a, b VirtualNode) bool {
	return a.Position < b.Position
}

// New creates an empty ring that places nodes and keys with hash.
func New(hash hashfn.Kind) *Ring {
	return &Ring{
		hash:   hash,
		tree:   btree.NewG(treeDegree, byPosition),
		owners: make(map[string]map[int]uint64),
	}
}

// Hash returns the hash function used by the ring.
func (r *Ring) Hash() hashfn.Kind {
	return r.hash
}

// HashKey returns the ring position of key.
func (r *Ring) HashKey(key string) uint64 {
	return r.hash.Sum64String(key)
}

// Clone returns a copy of the ring. The copy shares structure with r lazily,
// so cloning is cheap and later writes to either ring do not affect the other.
func (r *Ring) Clone() *Ring {
	return &Ring{
		hash:   r.hash,
		tree:   r.tree.Clone(),
		owners: maps.Clone(r.owners),
	}
}

// virtualKey is the label hashed to place a virtual node.
func virtualKey(physicalID string, index int) string {
	return physicalID + ":" + strconv.Itoa(index)
}

// insert places (physicalID, index) at its hashed position, stepping forward
// past occupied slots. The owners map is not touched.
func (r *Ring) insert(physicalID string, index int) uint64 {
	pos := r.hash.Sum64String(virtualKey(physicalID, index))
	for r.tree.Has(VirtualNode{Position: pos}) {
		pos++ // wraps at 2^64
	}
	r.tree.ReplaceOrInsert(VirtualNode{PhysicalID: physicalID, Index: index, Position: pos})
	return pos
}

// AddVirtualNode places a single virtual node and returns its position.
// Adding an index that is already present returns the existing position.
func (r *Ring) AddVirtualNode(physicalID string, index int) uint64 {
	old := r.owners[physicalID]
	if pos, ok := old[index]; ok {
		return pos
	}
	set := make(map[int]uint64, len(old)+1)
	maps.Copy(set, old)
	set[index] = r.insert(physicalID, index)
	r.owners[physicalID] = set
	return set[index]
}

// Resize makes the virtual indices of physicalID exactly [0, count). Growing
// adds the next indices and shrinking drops the highest ones, so positions of
// the indices that remain never move. count <= 0 removes the node.
func (r *Ring) Resize(physicalID string, count int) {
	if count <= 0 {
		r.RemovePhysicalNode(physicalID)
		return
	}
	old := r.owners[physicalID]
	if isPrefix(old, count) {
		return
	}
	set := make(map[int]uint64, count)
	for idx, pos := range old {
		if idx < count {
			set[idx] = pos
			continue
		}
		r.tree.Delete(VirtualNode{Position: pos})
	}
	for idx := 0; idx < count; idx++ {
		if _, ok := set[idx]; !ok {
			set[idx] = r.insert(physicalID, idx)
		}
	}
	r.owners[physicalID] = set
}

// isPrefix reports whether the indices of set are exactly [0, count).
func isPrefix(set map[int]uint64, count int) bool {
	if len(set) != count {
		return false
	}
	for idx := range set {
		if idx < 0 || idx >= count {
			return false
		}
	}
	return true
}

// RemoveVirtualNode removes one virtual node. It reports whether it existed.
func (r *Ring) RemoveVirtualNode(physicalID string, index int) bool {
	old := r.owners[physicalID]
	pos, ok := old[index]
	if !ok {
		return false
	}
	r.tree.Delete(VirtualNode{Position: pos})
	if len(old) == 1 {
		delete(r.owners, physicalID)
		return true
	}
	set := make(map[int]uint64, len(old)-1)
	for idx, p := range old {
		if idx != index {
			set[idx] = p
		}
	}
	r.owners[physicalID] = set
	return true
}

// RemovePhysicalNode removes every virtual node owned by physicalID and
// returns how many were removed.
func (r *Ring) RemovePhysicalNode(physicalID string) int {
	set, ok := r.owners[physicalID]
	if !ok {
		return 0
	}
	for _, pos := range set {
		r.tree.Delete(VirtualNode{Position: pos})
	}
	delete(r.owners, physicalID)
	return len(set)
}

// Successor returns the first virtual node at or after pos, wrapping to the
// lowest position. It returns false only when the ring is empty.
func (r *Ring) Successor(pos uint64) (VirtualNode, bool) {
	var (
		found VirtualNode
		ok    bool
	)
	r.tree.AscendGreaterOrEqual(VirtualNode{Position: pos}, func(v VirtualNode) bool {
		found, ok = v, true
		return false
	})
	if ok {
		return found, true
	}
	return r.tree.Min()
}

// Locate returns the virtual node responsible for key.
func (r *Ring) Locate(key string) (VirtualNode, bool) {
	return r.Successor(r.HashKey(key))
}

// Walk visits virtual nodes clockwise starting at pos for at most one full
// revolution, stopping early when fn returns false.
func (r *Ring) Walk(pos uint64, fn func(VirtualNode) bool) {
	pivot := VirtualNode{Position: pos}
	stopped := false
	r.tree.AscendGreaterOrEqual(pivot, func(v VirtualNode) bool {
		if !fn(v) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}
	r.tree.AscendLessThan(pivot, fn)
}

// Successors returns up to count distinct physical IDs in clockwise order
// starting at pos.
func (r *Ring) Successors(pos uint64, count int) []string {
	if count <= 0 || r.tree.Len() == 0 {
		return []string{}
	}
	if n := len(r.owners); count > n {
		count = n
	}
	seen := make(map[string]struct{}, count)
	result := make([]string, 0, count)
	r.Walk(pos, func(v VirtualNode) bool {
		if _, dup := seen[v.PhysicalID]; !dup {
			seen[v.PhysicalID] = struct{}{}
			result = append(result, v.PhysicalID)
		}
		return len(result) < count
	})
	return result
}

// Len returns the total number of virtual nodes.
func (r *Ring) Len() int {
	return r.tree.Len()
}

// PhysicalCount returns the number of physical nodes with at least one
// virtual node.
func (r *Ring) PhysicalCount() int {
	return len(r.owners)
}

// VirtualCount returns the number of virtual nodes owned by physicalID.
func (r *Ring) VirtualCount(physicalID string) int {
	return len(r.owners[physicalID])
}

// Positions returns the positions of physicalID's virtual nodes ordered by
// virtual index.
func (r *Ring) Positions(physicalID string) []uint64 {
	set := r.owners[physicalID]
	idxs := make([]int, 0, len(set))
	for idx := range set {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	out := make([]uint64, len(idxs))
	for i, idx := range idxs {
		out[i] = set[idx]
	}
	return out
}

// PhysicalIDs returns the IDs of all physical nodes, sorted.
func (r *Ring) PhysicalIDs() []string {
	ids := make([]string, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
