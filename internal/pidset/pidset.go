// Package pidset implements the small unordered pid collections used by the tracker.
//
// A Set never holds duplicates or non-positive pids. Membership is a linear scan:
// process trees under supervision are small, and the scan keeps the set free of
// any map bookkeeping. Storage grows by doubling.
package pidset

// initialCapacity is the first allocation made by Add on an empty set.
const initialCapacity = 16

// Set is a duplicate-free collection of positive pids. The zero value is ready to use.
// A Set is not safe for concurrent use.
type Set struct {
	pids []int
}

// New returns an empty set with room for n pids before the first growth.
func New(n int) *Set {
	if n < 0 {
		n = 0
	}
	return &Set{pids: make([]int, 0, n)}
}

// Of returns a set holding the given pids, ignoring duplicates and pids <= 0.
func Of(pids ...int) *Set {
	s := New(len(pids))
	for _, pid := range pids {
		s.Add(pid)
	}
	return s
}

// Contains reports whether pid is in the set.
func (s *Set) Contains(pid int) bool {
	return s.index(pid) >= 0
}

// Add inserts pid and reports whether the set changed.
func (s *Set) Add(pid int) bool {
	if pid <= 0 || s.Contains(pid) {
		return false
	}
	if len(s.pids) == cap(s.pids) {
		s.grow()
	}
	s.pids = append(s.pids, pid)
	return true
}

// Remove deletes pid and reports whether it was present. The last element takes
// the removed slot, so removal does not preserve order.
func (s *Set) Remove(pid int) bool {
	i := s.index(pid)
	if i < 0 {
		return false
	}
	last := len(s.pids) - 1
	s.pids[i] = s.pids[last]
	s.pids = s.pids[:last]
	return true
}

// Clear empties the set and keeps its storage.
func (s *Set) Clear() { s.pids = s.pids[:0] }

// Len returns the number of pids in the set.
func (s *Set) Len() int { return len(s.pids) }

// Cap returns the current storage capacity.
func (s *Set) Cap() int { return cap(s.pids) }

// Each calls fn for every pid. fn must not modify the set.
func (s *Set) Each(fn func(pid int)) {
	for _, pid := range s.pids {
		fn(pid)
	}
}

// Slice returns a copy of the pids in unspecified order.
func (s *Set) Slice() []int {
	out := make([]int, len(s.pids))
	copy(out, s.pids)
	return out
}

// Swap exchanges the contents of s and other.
func (s *Set) Swap(other *Set) {
	s.pids, other.pids = other.pids, s.pids
}

func (s *Set) index(pid int) int {
	if pid <= 0 {
		return -1
	}
	for i, p := range s.pids {
		if p == pid {
			return i
		}
	}
	return -1
}

func (s *Set) grow() {
	n := cap(s.pids) * 2
	if n == 0 {
		n = initialCapacity
	}
	next := make([]int, len(s.pids), n)
	copy(next, s.pids)
	s.pids = next
}
