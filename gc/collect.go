package gc

import (
	"time"
	"unsafe"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Collection pass
// ---------------------------------------------------------------------------

// rangeInfo shadows one registered range for the duration of a pass.
// managed records that at least one live managed handle points into the
// range; scanned records that the range has been processed as a parent.
type rangeInfo struct {
	begin, end uintptr
	managed    bool
	scanned    bool
}

// scanInfo is the per-handle record of a pass: the handle's storage address,
// the index of the range its target lies in (-1 if none), and whether the
// handle is an owning one. core is set only for managed handles; it is where
// phase 3 drains the strong reference from.
type scanInfo struct {
	addr    uintptr
	rng     int32
	managed bool
	core    *handleCore
}

// Collect runs one stop-the-world collection pass and returns the bundle of
// strong references to every object found unreachable. Dropping the bundle
// runs the objects' destructors; until then nothing is freed.
//
// Only one pass runs at a time: a call that overlaps an in-flight pass
// returns an empty bundle immediately after logging an advisory.
func (g *Graph) Collect() *Garbage {
	if g.collecting.Swap(true) {
		log.Warning("collection already in progress")
		return &Garbage{stats: CollectionStats{ID: uuid.New(), Timestamp: time.Now()}}
	}

	start := time.Now()
	stats := CollectionStats{ID: uuid.New(), Timestamp: start}

	// Phases 1-3 run under the combined lock: no handle attach/detach and no
	// range add/remove can interleave with the trace, which is what makes
	// conservative-by-containment classification sound.
	g.lockAll()

	stats.Handles = len(g.handles)
	stats.RawHandles = len(g.raws)
	stats.Ranges = len(g.ranges)

	// Phase 1: snapshot. Shadow the ranges, then classify every handle as
	// root (storage outside all ranges) or interior (storage inside one).
	for _, r := range g.ranges {
		g.rngs = append(g.rngs, rangeInfo{begin: r.Begin, end: r.End})
	}

	managedCount := 0
	for c := range g.handles {
		box := c.box.Load()
		if box == nil {
			// An empty handle neither keeps anything alive nor traces.
			continue
		}
		managedCount++

		ri := g.findRangeIndex(box.addr)
		if ri >= 0 {
			g.rngs[ri].managed = true
		}

		addr := uintptr(unsafe.Pointer(c))
		idx := uint32(len(g.info))
		g.info = append(g.info, scanInfo{addr: addr, rng: int32(ri), managed: true, core: c})

		if g.findRangeIndex(addr) < 0 {
			g.keep = append(g.keep, idx)
		} else {
			g.scan = append(g.scan, idx)
		}
	}

	for c := range g.raws {
		// Only raw handles whose recorded address falls inside a registered
		// range participate; others observe nothing the trace can use.
		ti := g.findRangeIndex(c.addr.Load())
		if ti < 0 {
			continue
		}

		addr := uintptr(unsafe.Pointer(c))
		idx := uint32(len(g.info))
		g.info = append(g.info, scanInfo{addr: addr, rng: int32(ti)})

		if g.findRangeIndex(addr) < 0 {
			g.keep = append(g.keep, idx)
		} else {
			g.scan = append(g.scan, idx)
		}
	}

	// Phase 2: trace. Each kept handle makes its target range a parent;
	// every still-pending handle stored inside a parent is promoted to the
	// next wave. keep only grows by indices drained from scan, so the loop
	// terminates.
	for i := 0; i < len(g.keep); i++ {
		parent := &g.info[g.keep[i]]
		if parent.rng < 0 || g.rngs[parent.rng].scanned {
			continue
		}
		begin, end := g.rngs[parent.rng].begin, g.rngs[parent.rng].end

		for j := 0; j < len(g.scan); {
			idx := g.scan[j]
			if a := g.info[idx].addr; a >= begin && a < end {
				g.keep = append(g.keep, idx)
				g.scan[j] = g.scan[len(g.scan)-1]
				g.scan = g.scan[:len(g.scan)-1]
			} else {
				j++
			}
		}
		g.rngs[parent.rng].scanned = true
	}

	// Phase 3: extract. A handle still pending is stored inside an object no
	// root ever reached: internal to an unreachable cycle or subgraph. Drain
	// the strong references of the managed ones; raw handles are left alone.
	unreachable := make([]*allocBox, 0, managedCount)
	for _, idx := range g.scan {
		si := &g.info[idx]
		if !si.managed {
			continue
		}
		if box := si.core.box.Swap(nil); box != nil {
			unreachable = append(unreachable, box)
		}
	}

	// Phase 4: release. Keep scratch capacity for the next pass.
	g.rngs = g.rngs[:0]
	g.info = g.info[:0]
	g.scan = g.scan[:0]
	g.keep = g.keep[:0]

	g.unlockAll()
	g.collecting.Store(false)

	stats.Reclaimed = len(unreachable)
	stats.Duration = time.Since(start)
	log.Infof("collected %d objects in %.6f seconds", stats.Reclaimed, stats.Duration.Seconds())

	return &Garbage{boxes: unreachable, stats: stats}
}
