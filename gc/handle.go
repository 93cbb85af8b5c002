package gc

import (
	"sync/atomic"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Managed and raw handles
// ---------------------------------------------------------------------------

// handleCore is the type-erased part of a Managed handle that the registry
// tracks. Its own address is the handle's storage address: the collector
// classifies a handle as root or interior by whether this address lies
// inside a registered range.
type handleCore struct {
	g   *Graph
	box atomic.Pointer[allocBox]
}

// ensureAttached registers the core on first use and pins it to one graph.
func (c *handleCore) ensureAttached(g *Graph, attach func()) {
	if c.g == nil {
		c.g = g
		attach()
		return
	}
	if c.g != g {
		panic("gc: handle is already attached to a different graph")
	}
}

// setBox swaps the handle's strong reference, releasing the old one.
func (c *handleCore) setBox(box *allocBox) {
	if old := c.box.Swap(box); old != nil {
		old.release()
	}
}

// Managed is an owning smart-pointer handle. It holds a strong reference
// keeping its payload alive and is registered with a Graph so collection
// passes can trace through it.
//
// The zero value is an empty, unattached handle. A handle attaches on first
// Adopt/Set/Move and records its storage address at that moment; it must not
// be copied or relocated afterwards. Handles embedded as struct fields of
// adopted objects satisfy this naturally. Distinct handles are safe to use
// from distinct goroutines; one handle is not safe for concurrent mutation.
type Managed[T any] struct {
	core handleCore
}

// Adopt places a fresh zero T into the managed domain: it allocates the
// object, registers its byte range, binds h to it as the first strong
// reference, and returns the object for field initialization. finalize, if
// non-nil, runs when the last strong reference is dropped, before the
// object's interior handles are detached.
func (h *Managed[T]) Adopt(g *Graph, finalize func(*T)) *T {
	h.core.ensureAttached(g, func() { g.attachManaged(&h.core) })

	obj := new(T)
	size := unsafe.Sizeof(*obj)
	if size == 0 {
		// Zero-sized payloads still need a nonempty range to be traceable.
		size = 1
	}
	g.AddRange(unsafe.Pointer(obj), size)

	box := &allocBox{
		g:    g,
		obj:  unsafe.Pointer(obj),
		keep: obj,
		addr: uintptr(unsafe.Pointer(obj)),
		size: size,
	}
	if finalize != nil {
		box.finalize = func() { finalize(obj) }
	}
	box.refs.Store(1)

	h.core.setBox(box)
	return obj
}

// Set gives h a copy of src's reference: both handles keep the payload
// alive afterwards. src must be attached.
func (h *Managed[T]) Set(src *Managed[T]) {
	if src.core.g == nil {
		panic("gc: Set from an unattached handle")
	}
	h.core.ensureAttached(src.core.g, func() { src.core.g.attachManaged(&h.core) })

	box := src.core.box.Load()
	if box != nil {
		box.retain()
	}
	h.core.setBox(box)
}

// Move transfers src's reference into h, leaving src attached but empty.
func (h *Managed[T]) Move(src *Managed[T]) {
	if src.core.g == nil {
		panic("gc: Move from an unattached handle")
	}
	h.core.ensureAttached(src.core.g, func() { src.core.g.attachManaged(&h.core) })
	h.core.setBox(src.core.box.Swap(nil))
}

// Clear drops h's strong reference. The handle stays attached; an empty
// handle neither keeps anything alive nor participates in tracing.
func (h *Managed[T]) Clear() {
	h.core.setBox(nil)
}

// Release ends the handle's life: it drops the reference and deregisters
// the handle. Only needed for handles whose storage the library does not
// manage (locals, globals); handles embedded in adopted objects are released
// automatically when their object dies.
func (h *Managed[T]) Release() {
	if h.core.g != nil {
		h.core.g.detachManaged(&h.core)
		h.core.g = nil
	}
	h.core.setBox(nil)
}

// Get returns the payload, or nil if the handle is empty.
func (h *Managed[T]) Get() *T {
	box := h.core.box.Load()
	if box == nil {
		return nil
	}
	return (*T)(box.obj)
}

// IsEmpty reports whether the handle holds no reference.
func (h *Managed[T]) IsEmpty() bool {
	return h.core.box.Load() == nil
}

// ---------------------------------------------------------------------------
// Raw handles
// ---------------------------------------------------------------------------

// rawCore is the registered part of a Raw handle.
type rawCore struct {
	g    *Graph
	addr atomic.Uintptr
}

// Raw is a registered non-owning observer. It records a plain address that
// collection passes treat as a potential interior pointer: a raw handle
// never keeps its target alive and is never reclaimed, but a raw handle
// reachable from a root lets the trace continue into its target. Used for
// back-references and weak-like fields stored inside managed objects.
type Raw[T any] struct {
	core rawCore
}

// Point attaches the handle (on first use) and records target's address.
func (r *Raw[T]) Point(g *Graph, target *T) {
	r.core.ensureAttached(g, func() { g.attachRaw(&r.core) })
	r.core.addr.Store(uintptr(unsafe.Pointer(target)))
}

// ensureAttached mirrors handleCore.ensureAttached for raw cores.
func (c *rawCore) ensureAttached(g *Graph, attach func()) {
	if c.g == nil {
		c.g = g
		attach()
		return
	}
	if c.g != g {
		panic("gc: handle is already attached to a different graph")
	}
}

// Target returns the recorded address as a *T. The pointer carries no
// ownership: it dangles once the target's last strong reference is gone.
func (r *Raw[T]) Target() *T {
	addr := r.core.addr.Load()
	if addr == 0 {
		return nil
	}
	return (*T)(unsafe.Pointer(addr))
}

// Clear forgets the recorded address but keeps the handle attached.
func (r *Raw[T]) Clear() {
	r.core.addr.Store(0)
}

// Release deregisters the handle.
func (r *Raw[T]) Release() {
	if r.core.g != nil {
		r.core.g.detachRaw(&r.core)
		r.core.g = nil
	}
	r.core.addr.Store(0)
}
