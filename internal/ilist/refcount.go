package ilist

import "sync/atomic"

// RefCounted is an embeddable strong/weak reference count, used by the
// thread control block (spec §4.4, §4.6). Storage that is never freed
// (a static thread) is pinned by starting the strong count at a sentinel
// that Release never drains to zero; heap-allocated nodes start at 1 and
// are reclaimed by the zombie reaper when the count reaches zero.
type RefCounted struct {
	strong atomic.Int32
	weak   atomic.Int32
	pinned bool
}

// InitHeap initializes the counters for a heap-owned node (rc starts at 1).
func (r *RefCounted) InitHeap() { r.strong.Store(1) }

// InitStatic initializes the counters for a statically-allocated node,
// which Release can never free.
func (r *RefCounted) InitStatic() {
	r.pinned = true
	r.strong.Store(1)
}

// Retain increments the strong count and returns the new value.
func (r *RefCounted) Retain() int32 { return r.strong.Add(1) }

// Release decrements the strong count, returning true iff this call
// dropped it to zero (the caller must then reclaim the node) — for
// pinned (static) nodes this never happens.
func (r *RefCounted) Release() bool {
	if r.pinned {
		r.strong.Add(-1)
		return false
	}
	return r.strong.Add(-1) == 0
}

// StrongCount exposes the current strong count for debugging (spec §4.4).
func (r *RefCounted) StrongCount() int32 { return r.strong.Load() }

// RetainWeak/ReleaseWeak mirror Retain/Release for the weak side, used
// only by diagnostics in this core (no weak-upgrade consumer exists at
// kernel scope).
func (r *RefCounted) RetainWeak() int32 { return r.weak.Add(1) }
func (r *RefCounted) ReleaseWeak() int32 { return r.weak.Add(-1) }
func (r *RefCounted) WeakCount() int32   { return r.weak.Load() }
