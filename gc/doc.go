// Package gc implements a library-level tracing cycle collector for
// reference-counted object graphs.
//
// Applications place objects into the managed domain with Managed.Adopt and
// link them together through Managed (owning) and Raw (non-owning) handles.
// Plain reference counting reclaims acyclic garbage immediately; Collect
// finds and reclaims reference cycles by conservative pointer-containment
// tracing over the registered allocation ranges.
//
// The collector is stop-the-world: a collection pass holds both registry
// locks for its entire duration, so handle registration and range
// registration block until the pass completes. Destructors never run inside
// the pass; they run when the returned Garbage bundle is dropped, at a site
// of the caller's choosing.
package gc
