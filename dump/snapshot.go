// Package dump captures diagnostic snapshots of a collector graph and
// serializes them for offline analysis.
package dump

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/graphgc/gc"
)

// Range is one allocation range in a snapshot.
type Range struct {
	Begin uint64 `cbor:"begin"`
	End   uint64 `cbor:"end"`
}

// Size returns the number of bytes the range covers.
func (r Range) Size() uint64 { return r.End - r.Begin }

// Handle kinds as stored in a snapshot.
const (
	KindManaged = "managed"
	KindRaw     = "raw"
)

// Handle is one registered handle in a snapshot. Target is the payload
// address for managed handles and the observed address for raw handles,
// zero when empty. Root is the storage-containment classification at
// capture time.
type Handle struct {
	Kind   string `cbor:"kind"`
	Addr   uint64 `cbor:"addr"`
	Target uint64 `cbor:"target,omitempty"`
	Root   bool   `cbor:"root,omitempty"`
}

// Snapshot is a consistent copy of a graph's registries, taken under the
// collector's combined lock. It is a diagnostic artifact: addresses are
// only meaningful within the process and lifetime that produced them.
type Snapshot struct {
	ID      string    `cbor:"id"`
	Taken   time.Time `cbor:"taken"`
	Ranges  []Range   `cbor:"ranges"`
	Handles []Handle  `cbor:"handles"`
}

// Capture snapshots g's registries.
func Capture(g *gc.Graph) *Snapshot {
	ranges, handles := g.Export()

	s := &Snapshot{
		ID:      uuid.NewString(),
		Taken:   time.Now(),
		Ranges:  make([]Range, 0, len(ranges)),
		Handles: make([]Handle, 0, len(handles)),
	}
	for _, r := range ranges {
		s.Ranges = append(s.Ranges, Range{Begin: uint64(r.Begin), End: uint64(r.End)})
	}
	for _, h := range handles {
		kind := KindManaged
		if h.Kind == gc.KindRaw {
			kind = KindRaw
		}
		s.Handles = append(s.Handles, Handle{
			Kind:   kind,
			Addr:   uint64(h.Addr),
			Target: uint64(h.Target),
			Root:   h.Root,
		})
	}
	return s
}

// Object is one node of the derived object graph: an allocation range with
// the out-edges implied by the handles stored inside it.
type Object struct {
	// ID is the range's index in Snapshot.Ranges.
	ID   int
	Size uint64

	// Ptrs lists the IDs of objects that handles stored inside this object
	// point at.
	Ptrs []int
}

// ObjectGraph derives a per-allocation object graph from the snapshot: one
// node per range, an edge i→j for every non-empty handle whose storage lies
// inside range i and whose target lies inside range j. Returns the nodes
// and the root set — the IDs targeted by handles stored outside every range.
func (s *Snapshot) ObjectGraph() (objects []Object, roots []int) {
	objects = make([]Object, len(s.Ranges))
	for i, r := range s.Ranges {
		objects[i] = Object{ID: i, Size: r.Size()}
	}

	rootSet := make(map[int]struct{})
	for _, h := range s.Handles {
		if h.Target == 0 {
			continue
		}
		to := s.rangeIndex(h.Target)
		if to < 0 {
			continue
		}
		from := s.rangeIndex(h.Addr)
		if from < 0 {
			rootSet[to] = struct{}{}
			continue
		}
		objects[from].Ptrs = append(objects[from].Ptrs, to)
	}

	roots = make([]int, 0, len(rootSet))
	for id := range rootSet {
		roots = append(roots, id)
	}
	sort.Ints(roots)
	return objects, roots
}

// rangeIndex finds the range containing p, with the collector's inclusive
// upper bound. Snapshot ranges are sorted by Begin, so binary search works.
func (s *Snapshot) rangeIndex(p uint64) int {
	if len(s.Ranges) == 0 {
		return -1
	}
	i := sort.Search(len(s.Ranges), func(i int) bool {
		return p < s.Ranges[i].Begin
	})
	if i == 0 {
		return -1
	}
	i--
	if p >= s.Ranges[i].Begin && p <= s.Ranges[i].End {
		return i
	}
	return -1
}
