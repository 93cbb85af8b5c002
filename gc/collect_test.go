package gc

import (
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

// buildCycle allocates a closed ring of length n and returns an external
// root handle to its first object. Releasing the root leaves the ring
// reachable only through itself.
func buildCycle(t *testing.T, g *Graph, n int) *testManaged {
	t.Helper()

	root := new(testManaged)
	cur := root.Adopt(g, nil)
	for i := 1; i < n; i++ {
		cur = cur.next.Adopt(g, nil)
	}
	cur.next.Set(root)
	return root
}

// TestCollectSimpleCycle: two objects referencing each other, no external
// handles. One pass finds both; nothing is freed until the bundle drops.
func TestCollectSimpleCycle(t *testing.T) {
	g := newTestGraph()

	root := buildCycle(t, g, 2)
	root.Release()

	if got := g.AllocatedObjects(); got != 2 {
		t.Fatalf("AllocatedObjects before collect = %d, want 2", got)
	}

	garbage := g.Collect()
	if got := garbage.Count(); got != 2 {
		t.Errorf("garbage count = %d, want 2", got)
	}
	if got := g.AllocatedObjects(); got != 2 {
		t.Errorf("AllocatedObjects before Drop = %d, want 2 (nothing freed yet)", got)
	}

	garbage.Drop()
	if got := g.AllocatedObjects(); got != 0 {
		t.Errorf("AllocatedObjects after Drop = %d, want 0", got)
	}
	if got := g.HandleCount(); got != 0 {
		t.Errorf("HandleCount after Drop = %d, want 0", got)
	}
}

// TestAcyclicChainPreserved: a rooted chain survives collection untouched;
// dropping the root reclaims it through plain reference counting.
func TestAcyclicChainPreserved(t *testing.T) {
	g := newTestGraph()

	const depth = 10
	root := new(testManaged)
	cur := root.Adopt(g, nil)
	for i := 1; i < depth; i++ {
		cur = cur.next.Adopt(g, nil)
	}

	garbage := g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("collect reclaimed %d from a rooted acyclic chain, want 0", got)
	}
	garbage.Drop()
	if got := g.AllocatedObjects(); got != depth {
		t.Fatalf("AllocatedObjects = %d, want %d", got, depth)
	}

	root.Release()
	if got := g.AllocatedObjects(); got != 0 {
		t.Errorf("AllocatedObjects after root release = %d, want 0 (refcount cascade)", got)
	}

	garbage = g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("second collect reclaimed %d, want 0", got)
	}
	garbage.Drop()
}

// TestCycleWithExternalRoot: a cycle stays alive while any root reaches it
// and is reclaimed by the first pass after the root goes away.
func TestCycleWithExternalRoot(t *testing.T) {
	g := newTestGraph()

	root := buildCycle(t, g, 2)

	garbage := g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("collect reclaimed %d from a rooted cycle, want 0", got)
	}
	garbage.Drop()
	if got := g.AllocatedObjects(); got != 2 {
		t.Fatalf("AllocatedObjects = %d, want 2", got)
	}

	root.Release()
	if got := g.AllocatedObjects(); got != 2 {
		t.Fatalf("cycle reclaimed by refcounting alone: AllocatedObjects = %d, want 2", got)
	}

	garbage = g.Collect()
	if got := garbage.Count(); got != 2 {
		t.Errorf("garbage count after root release = %d, want 2", got)
	}
	garbage.Drop()
	if got := g.AllocatedObjects(); got != 0 {
		t.Errorf("AllocatedObjects = %d, want 0", got)
	}
}

// TestRawBackReferenceDoesNotPin: parent owns child, child observes parent
// through a raw handle. The raw back-reference neither keeps the pair alive
// nor confuses the pass.
func TestRawBackReferenceDoesNotPin(t *testing.T) {
	g := newTestGraph()

	root := new(testManaged)
	parent := root.Adopt(g, nil)
	child := parent.next.Adopt(g, nil)
	child.back.Point(g, parent)

	garbage := g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("collect reclaimed %d from a rooted pair, want 0", got)
	}
	garbage.Drop()

	root.Release()
	if got := g.AllocatedObjects(); got != 0 {
		t.Errorf("AllocatedObjects after root release = %d, want 0 (raw handle must not pin)", got)
	}
	if got := g.RawHandleCount(); got != 0 {
		t.Errorf("RawHandleCount = %d, want 0", got)
	}

	garbage = g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("collect after teardown reclaimed %d, want 0", got)
	}
	garbage.Drop()
}

// TestRawBackReferenceInsideCycle: the cyclic variant — a managed cycle with
// an extra raw back-link is still fully reclaimed, and the raw handle's
// target is never placed in the bundle on its own account.
func TestRawBackReferenceInsideCycle(t *testing.T) {
	g := newTestGraph()

	root := buildCycle(t, g, 2)
	first := root.Get()
	second := first.next.Get()
	second.back.Point(g, first)
	root.Release()

	garbage := g.Collect()
	if got := garbage.Count(); got != 2 {
		t.Errorf("garbage count = %d, want 2", got)
	}
	garbage.Drop()
	if got := g.AllocatedObjects(); got != 0 {
		t.Errorf("AllocatedObjects = %d, want 0", got)
	}
	if got := g.RawHandleCount(); got != 0 {
		t.Errorf("RawHandleCount = %d, want 0", got)
	}
}

// TestRawRootParticipatesInTrace: a raw handle whose storage lies outside
// every range is a trace root; the cycle it observes is kept out of the
// bundle until the observer goes away.
func TestRawRootParticipatesInTrace(t *testing.T) {
	g := newTestGraph()

	root := buildCycle(t, g, 2)
	first := root.Get()
	observer := new(testRaw)
	observer.Point(g, first)
	root.Release()

	garbage := g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("collect reclaimed %d while a root observer watched, want 0", got)
	}
	garbage.Drop()

	observer.Release()
	garbage = g.Collect()
	if got := garbage.Count(); got != 2 {
		t.Errorf("garbage count after observer release = %d, want 2", got)
	}
	garbage.Drop()
}

// TestCollectIdempotent: with no mutator activity, a second pass reclaims
// nothing — whether or not the first bundle has been dropped yet.
func TestCollectIdempotent(t *testing.T) {
	g := newTestGraph()

	root := buildCycle(t, g, 3)
	root.Release()

	first := g.Collect()
	if got := first.Count(); got != 3 {
		t.Fatalf("first collect = %d, want 3", got)
	}

	second := g.Collect()
	if got := second.Count(); got != 0 {
		t.Errorf("second collect (bundle still held) = %d, want 0", got)
	}
	second.Drop()

	first.Drop()
	third := g.Collect()
	if got := third.Count(); got != 0 {
		t.Errorf("third collect (after drop) = %d, want 0", got)
	}
	third.Drop()
}

// TestDestructorDeferral: no finalizer runs before Collect returns; dropping
// the bundle runs them all, and Drop is idempotent.
func TestDestructorDeferral(t *testing.T) {
	g := newTestGraph()

	finalized := 0
	root := new(testManaged)
	first := root.Adopt(g, func(*testNode) { finalized++ })
	second := first.next.Adopt(g, func(*testNode) { finalized++ })
	second.next.Set(root)
	root.Release()

	garbage := g.Collect()
	if finalized != 0 {
		t.Errorf("%d finalizers ran before Drop, want 0", finalized)
	}

	garbage.Drop()
	if finalized != 2 {
		t.Errorf("%d finalizers ran after Drop, want 2", finalized)
	}

	garbage.Drop()
	if finalized != 2 {
		t.Errorf("second Drop reran finalizers: %d, want 2", finalized)
	}
}

// TestEmptyHandleSkipped: an attached handle with no reference neither keeps
// anything alive nor disturbs the pass.
func TestEmptyHandleSkipped(t *testing.T) {
	g := newTestGraph()

	h := new(testManaged)
	h.Adopt(g, nil)
	h.Clear()

	garbage := g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("garbage count = %d, want 0", got)
	}
	garbage.Drop()

	h.Release()
}

// TestPayloadOutsideRangesTreatedAsRoot: a handle whose payload address is
// in no registered range is tolerated and implicitly kept.
func TestPayloadOutsideRangesTreatedAsRoot(t *testing.T) {
	g := newTestGraph()

	// Fabricate a handle over an allocation the range registry never saw.
	obj := new(testNode)
	box := &allocBox{
		g:    g,
		obj:  unsafe.Pointer(obj),
		keep: obj,
		addr: uintptr(unsafe.Pointer(obj)),
		size: unsafe.Sizeof(*obj),
	}
	box.refs.Store(1)

	c := &handleCore{g: g}
	c.box.Store(box)
	g.attachManaged(c)

	garbage := g.Collect()
	if got := garbage.Count(); got != 0 {
		t.Errorf("garbage count = %d, want 0 (unranged payload is a root)", got)
	}
	garbage.Drop()

	if c.box.Load() == nil {
		t.Error("handle was drained despite being a root")
	}
	g.detachManaged(c)
}

// TestConcurrentCollectReturnsEmpty: while one pass is in flight, an
// overlapping call comes back immediately with an empty bundle and the
// in-flight pass still returns the true unreachable set.
func TestConcurrentCollectReturnsEmpty(t *testing.T) {
	g := newTestGraph()

	root := buildCycle(t, g, 2)
	root.Release()

	// Hold the registry locks so the first collector blocks mid-entry with
	// the in-progress flag already set.
	g.lockAll()

	done := make(chan *Garbage, 1)
	go func() { done <- g.Collect() }()

	for !g.collecting.Load() {
		time.Sleep(time.Millisecond)
	}

	overlapping := g.Collect()
	if !overlapping.Empty() {
		t.Errorf("overlapping collect returned %d objects, want empty bundle", overlapping.Count())
	}
	overlapping.Drop()

	g.unlockAll()
	garbage := <-done
	if got := garbage.Count(); got != 2 {
		t.Errorf("in-flight collect = %d, want 2", got)
	}
	garbage.Drop()
}

// TestMutatorBlocksDuringCollection: a range registration issued while the
// combined lock is held blocks until the lock is released, then becomes
// visible to lookup.
func TestMutatorBlocksDuringCollection(t *testing.T) {
	g := newTestGraph()

	g.lockAll()

	buf := new([32]byte)
	started := make(chan struct{})
	added := make(chan struct{})
	go func() {
		close(started)
		g.AddRange(unsafe.Pointer(buf), 32)
		close(added)
	}()

	<-started
	select {
	case <-added:
		t.Fatal("AddRange completed while the combined lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	g.unlockAll()
	<-added

	if _, ok := g.FindRange(unsafe.Pointer(&buf[5])); !ok {
		t.Error("range registered during the pass is not visible afterwards")
	}
}

// TestCollectStats: a completed pass reports its registry totals.
func TestCollectStats(t *testing.T) {
	g := newTestGraph()

	root := buildCycle(t, g, 2)
	root.Release()

	garbage := g.Collect()
	stats := garbage.Stats()
	garbage.Drop()

	if stats.Reclaimed != 2 {
		t.Errorf("stats.Reclaimed = %d, want 2", stats.Reclaimed)
	}
	if stats.Handles != 2 {
		t.Errorf("stats.Handles = %d, want 2", stats.Handles)
	}
	if stats.Ranges != 2 {
		t.Errorf("stats.Ranges = %d, want 2", stats.Ranges)
	}
	if stats.Timestamp.IsZero() {
		t.Error("stats.Timestamp is zero")
	}
	if stats.ID == uuid.Nil {
		t.Error("stats.ID is zero")
	}
}

// TestLargerCycles: rings of varying length are each reclaimed whole by a
// single pass.
func TestLargerCycles(t *testing.T) {
	g := newTestGraph()

	total := 0
	for _, n := range []int{1, 2, 7, 31} {
		root := buildCycle(t, g, n)
		root.Release()
		total += n
	}

	garbage := g.Collect()
	if got := garbage.Count(); got != total {
		t.Errorf("garbage count = %d, want %d", got, total)
	}
	garbage.Drop()
	if got := g.AllocatedObjects(); got != 0 {
		t.Errorf("AllocatedObjects = %d, want 0", got)
	}
}

// TestConcurrentMutatorsAndCollector: goroutines allocating and releasing
// chains while another collects; no pass may reclaim a rooted object.
func TestConcurrentMutatorsAndCollector(t *testing.T) {
	g := newTestGraph()

	const goroutines = 4
	const rounds = 25

	var wg sync.WaitGroup
	stopCollect := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopCollect:
				return
			default:
				g.Collect().Drop()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var mutators sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		mutators.Add(1)
		go func() {
			defer mutators.Done()
			for r := 0; r < rounds; r++ {
				root := new(testManaged)
				cur := root.Adopt(g, nil)
				for j := 0; j < 3; j++ {
					cur = cur.next.Adopt(g, nil)
				}
				if root.Get() == nil {
					t.Error("rooted object vanished under collection")
					return
				}
				root.Release()
			}
		}()
	}

	mutators.Wait()
	close(stopCollect)
	wg.Wait()

	final := g.Collect()
	defer final.Drop()
	if got := g.AllocatedObjects(); got != 0 {
		t.Errorf("AllocatedObjects after churn = %d, want 0", got)
	}
	if got := final.Count(); got != 0 {
		t.Errorf("final collect = %d, want 0", got)
	}
}
