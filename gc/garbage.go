package gc

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Garbage: the reclamation vehicle
// ---------------------------------------------------------------------------

// CollectionStats describes one collection pass.
type CollectionStats struct {
	// ID uniquely identifies the pass.
	ID uuid.UUID

	// Reclaimed is the number of strong references drained from unreachable
	// handles — the object count reported in the diagnostic line.
	Reclaimed int

	// Handles, RawHandles and Ranges are the registry totals at snapshot
	// time.
	Handles    int
	RawHandles int
	Ranges     int

	Duration  time.Duration
	Timestamp time.Time
}

// Garbage owns the strong references to the objects a collection pass found
// unreachable. Its only job is to move destructor execution out of the
// collector's critical section: Drop runs them at the call site, which may
// freely allocate, attach handles, and even start another collection.
//
// Treat a Garbage as move-only: drop it exactly once, from one goroutine.
type Garbage struct {
	boxes []*allocBox
	stats CollectionStats
}

// Count returns the number of drained references the bundle holds.
func (gb *Garbage) Count() int {
	return len(gb.boxes)
}

// Stats returns the statistics of the pass that produced the bundle.
func (gb *Garbage) Stats() CollectionStats {
	return gb.stats
}

// Empty reports whether the bundle holds nothing.
func (gb *Garbage) Empty() bool {
	return len(gb.boxes) == 0
}

// Drop releases every reference in the bundle, running the destructors of
// objects whose count reaches zero. Idempotent: a second Drop is a no-op.
func (gb *Garbage) Drop() {
	boxes := gb.boxes
	gb.boxes = nil
	for _, b := range boxes {
		b.release()
	}
}
