package gc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tliron/commonlog"

	// The registry stores raw addresses of heap-allocated objects and
	// handles; this assert refuses to start on a runtime that moves them.
	_ "go4.org/unsafe/assume-no-moving-gc"
)

var log = commonlog.GetLogger("graphgc")

// ---------------------------------------------------------------------------
// Graph: process-wide handle and range registry
// ---------------------------------------------------------------------------

// DefaultReserve is the default capacity reserved for the registries and the
// collection scratch vectors. Sized so that on the order of 10^5 live
// handles and allocations cause no reallocation during a pass.
const DefaultReserve = 100_000

// Options tunes a Graph at construction time. Zero fields take defaults.
type Options struct {
	// ReserveHandles is the scratch capacity reserved for handle records
	// during a collection pass.
	ReserveHandles int

	// ReserveRanges is the capacity reserved for the range vector and its
	// per-pass shadow.
	ReserveRanges int
}

// Graph tracks every live managed handle, raw handle, and allocation range,
// and runs collection passes over them. All mutable state sits behind two
// locks: handleMu covers both handle sets, rangeMu covers the range vector.
type Graph struct {
	handleMu sync.Mutex
	rangeMu  sync.Mutex

	handles map[*handleCore]struct{} // managed handles, keyed by identity
	raws    map[*rawCore]struct{}    // raw handles, keyed by identity
	ranges  []MemoryRange            // sorted by Begin, pairwise disjoint

	collecting atomic.Bool

	// Collection scratch, reserved once and reused across passes.
	rngs []rangeInfo
	info []scanInfo
	scan []uint32
	keep []uint32
}

// New creates a Graph. Zero-value Options select the defaults.
func New(opts Options) *Graph {
	if opts.ReserveHandles <= 0 {
		opts.ReserveHandles = DefaultReserve
	}
	if opts.ReserveRanges <= 0 {
		opts.ReserveRanges = DefaultReserve
	}
	return &Graph{
		handles: make(map[*handleCore]struct{}),
		raws:    make(map[*rawCore]struct{}),
		ranges:  make([]MemoryRange, 0, opts.ReserveRanges),
		rngs:    make([]rangeInfo, 0, opts.ReserveRanges),
		info:    make([]scanInfo, 0, opts.ReserveHandles),
		scan:    make([]uint32, 0, opts.ReserveHandles),
		keep:    make([]uint32, 0, opts.ReserveHandles),
	}
}

var (
	defaultGraph *Graph
	defaultOnce  sync.Once
)

// Default returns the process-wide graph, initializing it on first access.
// It is never torn down; cycles still registered at process exit leak, and
// their destructors do not run. Programs that care should clear global
// handles and drop a final Collect bundle before exiting.
func Default() *Graph {
	defaultOnce.Do(func() {
		defaultGraph = New(Options{})
	})
	return defaultGraph
}

// Collect runs a collection pass on the default graph.
func Collect() *Garbage { return Default().Collect() }

// AllocatedObjects reports the number of ranges registered with the default graph.
func AllocatedObjects() int { return Default().AllocatedObjects() }

// AllocatedBytes reports the total bytes registered with the default graph.
func AllocatedBytes() uint64 { return Default().AllocatedBytes() }

// ---------------------------------------------------------------------------
// Combined lock acquisition
// ---------------------------------------------------------------------------

// lockAll acquires both registry locks as a unit, handleMu before rangeMu.
// Every operation that needs both locks (collection, snapshot export) must
// go through lockAll so the acquisition order stays fixed.
func (g *Graph) lockAll() {
	g.handleMu.Lock()
	g.rangeMu.Lock()
}

func (g *Graph) unlockAll() {
	g.rangeMu.Unlock()
	g.handleMu.Unlock()
}

// ---------------------------------------------------------------------------
// Handle registry
// ---------------------------------------------------------------------------

// attachManaged registers a managed handle at its current storage address.
func (g *Graph) attachManaged(c *handleCore) {
	g.handleMu.Lock()
	g.handles[c] = struct{}{}
	g.handleMu.Unlock()
}

// detachManaged removes the exact handle from the registry.
func (g *Graph) detachManaged(c *handleCore) {
	g.handleMu.Lock()
	delete(g.handles, c)
	g.handleMu.Unlock()
}

func (g *Graph) attachRaw(c *rawCore) {
	g.handleMu.Lock()
	g.raws[c] = struct{}{}
	g.handleMu.Unlock()
}

func (g *Graph) detachRaw(c *rawCore) {
	g.handleMu.Lock()
	delete(g.raws, c)
	g.handleMu.Unlock()
}

// HandleCount returns the number of registered managed handles.
func (g *Graph) HandleCount() int {
	g.handleMu.Lock()
	defer g.handleMu.Unlock()
	return len(g.handles)
}

// RawHandleCount returns the number of registered raw handles.
func (g *Graph) RawHandleCount() int {
	g.handleMu.Lock()
	defer g.handleMu.Unlock()
	return len(g.raws)
}

// detachContained removes every handle whose storage lies inside
// [begin, end) and returns the strong references the managed ones still
// held. Called when an allocation dies, before its range is removed; the
// caller releases the returned references after the lock is dropped so the
// cascade never runs under handleMu.
func (g *Graph) detachContained(begin, end uintptr) []*allocBox {
	var orphaned []*allocBox

	g.handleMu.Lock()
	for c := range g.handles {
		addr := uintptr(unsafe.Pointer(c))
		if addr >= begin && addr < end {
			delete(g.handles, c)
			if box := c.box.Swap(nil); box != nil {
				orphaned = append(orphaned, box)
			}
		}
	}
	for c := range g.raws {
		addr := uintptr(unsafe.Pointer(c))
		if addr >= begin && addr < end {
			delete(g.raws, c)
		}
	}
	g.handleMu.Unlock()

	return orphaned
}

// ---------------------------------------------------------------------------
// Range registry
// ---------------------------------------------------------------------------

// AddRange registers the half-open interval [p, p+size) as a live
// allocation. The new range must not overlap any registered range; overlap
// is a programmer error and panics. Invoked by the allocation facility, not
// directly by applications.
func (g *Graph) AddRange(p unsafe.Pointer, size uintptr) {
	if p == nil || size == 0 {
		panic("gc: AddRange: nil pointer or zero size")
	}
	begin := uintptr(p)
	end := begin + size

	g.rangeMu.Lock()
	defer g.rangeMu.Unlock()

	i := upperBound(g.ranges, begin)
	if i > 0 && g.ranges[i-1].End > begin {
		panic(fmt.Sprintf("gc: AddRange: [%#x,%#x) overlaps registered range [%#x,%#x)",
			begin, end, g.ranges[i-1].Begin, g.ranges[i-1].End))
	}
	if i < len(g.ranges) && end > g.ranges[i].Begin {
		panic(fmt.Sprintf("gc: AddRange: [%#x,%#x) overlaps registered range [%#x,%#x)",
			begin, end, g.ranges[i].Begin, g.ranges[i].End))
	}

	g.ranges = append(g.ranges, MemoryRange{})
	copy(g.ranges[i+1:], g.ranges[i:])
	g.ranges[i] = MemoryRange{Begin: begin, End: end}
}

// RemoveRange deregisters the range containing p. A range must exist;
// removing an unregistered address is a programmer error and panics.
func (g *Graph) RemoveRange(p unsafe.Pointer) {
	g.rangeMu.Lock()
	defer g.rangeMu.Unlock()

	i := g.findRangeIndex(uintptr(p))
	if i < 0 {
		panic(fmt.Sprintf("gc: RemoveRange: no registered range contains %#x", uintptr(p)))
	}
	g.ranges = append(g.ranges[:i], g.ranges[i+1:]...)
}

// AllocatedObjects reports the number of currently registered ranges.
func (g *Graph) AllocatedObjects() int {
	g.rangeMu.Lock()
	defer g.rangeMu.Unlock()
	return len(g.ranges)
}

// AllocatedBytes reports the sum of the sizes of all registered ranges.
func (g *Graph) AllocatedBytes() uint64 {
	g.rangeMu.Lock()
	defer g.rangeMu.Unlock()

	var total uint64
	for _, r := range g.ranges {
		total += uint64(r.End - r.Begin)
	}
	return total
}

// FindRange returns the registered range containing p, if any. Containment
// is inclusive on both ends; see MemoryRange.Contains.
func (g *Graph) FindRange(p unsafe.Pointer) (MemoryRange, bool) {
	g.rangeMu.Lock()
	defer g.rangeMu.Unlock()

	if i := g.findRangeIndex(uintptr(p)); i >= 0 {
		return g.ranges[i], true
	}
	return MemoryRange{}, false
}

// ---------------------------------------------------------------------------
// Snapshot export
// ---------------------------------------------------------------------------

// HandleKind distinguishes exported handle records.
type HandleKind int

const (
	KindManaged HandleKind = iota
	KindRaw
)

// ExportedRange is one allocation range in a registry snapshot.
type ExportedRange struct {
	Begin, End uintptr
}

// ExportedHandle is one handle in a registry snapshot. Target is the payload
// address for managed handles and the observed address for raw handles; it
// is zero when the handle is empty. Root reflects the storage-containment
// classification at snapshot time.
type ExportedHandle struct {
	Kind   HandleKind
	Addr   uintptr
	Target uintptr
	Root   bool
}

// Export takes a consistent snapshot of both registries under the combined
// lock, for diagnostic tooling. The returned slices are fresh copies.
func (g *Graph) Export() ([]ExportedRange, []ExportedHandle) {
	g.lockAll()
	defer g.unlockAll()

	ranges := make([]ExportedRange, 0, len(g.ranges))
	for _, r := range g.ranges {
		ranges = append(ranges, ExportedRange{Begin: r.Begin, End: r.End})
	}

	handles := make([]ExportedHandle, 0, len(g.handles)+len(g.raws))
	for c := range g.handles {
		addr := uintptr(unsafe.Pointer(c))
		var target uintptr
		if box := c.box.Load(); box != nil {
			target = box.addr
		}
		handles = append(handles, ExportedHandle{
			Kind:   KindManaged,
			Addr:   addr,
			Target: target,
			Root:   g.findRangeIndex(addr) < 0,
		})
	}
	for c := range g.raws {
		addr := uintptr(unsafe.Pointer(c))
		handles = append(handles, ExportedHandle{
			Kind:   KindRaw,
			Addr:   addr,
			Target: c.addr.Load(),
			Root:   g.findRangeIndex(addr) < 0,
		})
	}
	return ranges, handles
}
