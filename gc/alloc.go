package gc

import (
	"sync/atomic"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Reference-counted allocation boxes
// ---------------------------------------------------------------------------

// allocBox is the strong-reference primitive a Managed handle wraps: one box
// per managed allocation, shared by every handle that points at it. keep
// anchors the Go allocation so the runtime cannot free it while the box is
// live; obj/addr/size describe it to the range registry.
type allocBox struct {
	g        *Graph
	obj      unsafe.Pointer
	keep     any
	addr     uintptr
	size     uintptr
	refs     atomic.Int64
	finalize func()
}

func (b *allocBox) retain() {
	b.refs.Add(1)
}

// release drops one strong reference and destroys the allocation when the
// last one goes. Must never be called under a registry lock: destruction
// runs the user finalizer and cascades into further releases.
func (b *allocBox) release() {
	if b.refs.Add(-1) > 0 {
		return
	}
	b.destroy()
}

// destroy tears the allocation down in destructor order: the finalizer sees
// the object fully intact, then the object's interior handles are detached,
// then the range disappears, then the references those handles held are
// released (so an outer range is unregistered before the ones it owned),
// and finally the backing memory is let go. The cascade runs outside all locks, so finalizer
// code may freely allocate, attach handles, or start a collection.
func (b *allocBox) destroy() {
	if b.finalize != nil {
		b.finalize()
	}

	orphaned := b.g.detachContained(b.addr, b.addr+b.size)
	b.g.RemoveRange(b.obj)

	for _, child := range orphaned {
		child.release()
	}

	b.obj = nil
	b.keep = nil
}
