package gc

import "sort"

// MemoryRange is the byte interval occupied by one managed allocation.
// Registration treats it as half-open [Begin, End); point lookup admits End
// itself so that one-past-the-end interior pointers remain attributable to
// their allocation.
type MemoryRange struct {
	Begin, End uintptr
}

// Size returns the number of bytes the range covers.
func (r MemoryRange) Size() uintptr { return r.End - r.Begin }

// Contains reports whether p is attributable to this range. The upper bound
// is inclusive: a field holding the address just past the final byte (an
// end sentinel for size-delimited iteration) still belongs to the range.
func (r MemoryRange) Contains(p uintptr) bool {
	return p >= r.Begin && p <= r.End
}

// upperBound returns the index of the first range whose Begin is greater
// than p, or len(ranges) if there is none.
func upperBound(ranges []MemoryRange, p uintptr) int {
	return sort.Search(len(ranges), func(i int) bool {
		return p < ranges[i].Begin
	})
}

// findRangeIndex locates the unique range containing p, or -1 on a miss.
// Addresses outside the overall [front.Begin, back.End] span are rejected
// before the binary search. Caller must hold rangeMu.
func (g *Graph) findRangeIndex(p uintptr) int {
	if p == 0 || len(g.ranges) == 0 {
		return -1
	}
	if p < g.ranges[0].Begin || p > g.ranges[len(g.ranges)-1].End {
		return -1
	}

	i := upperBound(g.ranges, p)
	if i == 0 {
		return -1
	}
	i--
	if g.ranges[i].Contains(p) {
		return i
	}
	return -1
}
