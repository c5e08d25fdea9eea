// Package visited tracks the set of nodes touched by a single graph
// traversal.
package visited

import "github.com/bits-and-blooms/bitset"

// denseLimit caps how far the bitset may grow. Ids below it are tracked by
// bit position; ids at or above it go to a hash set, so memory is bounded by
// the traversal size rather than the caller's id range.
const denseLimit = 1 << 21

// Set records visited node ids using a bitset plus a dirty list so Reset is
// proportional to the number of nodes actually visited, not the graph size.
// Sparse ids beyond the dense range fall back to a map.
type Set struct {
	bits   *bitset.BitSet
	dirty  []uint
	sparse map[uint64]struct{}
}

// New creates a visited set sized for capacity nodes. It grows on demand.
func New(capacity int) *Set {
	if capacity > denseLimit {
		capacity = denseLimit
	}
	return &Set{
		bits:  bitset.New(uint(capacity)),
		dirty: make([]uint, 0, 128),
	}
}

// Visit marks a node as visited.
func (s *Set) Visit(id uint64) {
	if id >= denseLimit {
		if s.sparse == nil {
			s.sparse = make(map[uint64]struct{}, 16)
		}
		s.sparse[id] = struct{}{}
		return
	}
	u := uint(id)
	if !s.bits.Test(u) {
		s.bits.Set(u)
		s.dirty = append(s.dirty, u)
	}
}

// Visited reports whether the node has been visited.
func (s *Set) Visited(id uint64) bool {
	if id >= denseLimit {
		_, ok := s.sparse[id]
		return ok
	}
	return s.bits.Test(uint(id))
}

// Reset clears only the entries recorded during the current traversal.
func (s *Set) Reset() {
	for _, u := range s.dirty {
		s.bits.Clear(u)
	}
	s.dirty = s.dirty[:0]
	clear(s.sparse)
}
