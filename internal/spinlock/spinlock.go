// Package spinlock implements the two-phase spinlock + IRQ-save lock
// from spec §4.5 (L5): an inner read-write lock over a protected value,
// with an optional interrupt-disable guard composed on top.
//
// A real spinlock busy-waits because there is no OS thread scheduler
// underneath it to block on; this core's CPUs are goroutines multiplexed
// by the Go runtime scheduler, so — exactly as the retrieved eventloop
// teacher's own doc comment on Loop explains its ingress-queue choice
// ("mutex outperforms lock-free under high contention... causes O(N)
// retry storms") — a blocking sync.RWMutex is the right primitive to
// spin *on top of*, not a hand-rolled CAS busy loop.
package spinlock

import (
	"sync"

	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
)

// RWSpinLock protects a value of type T with a read-write lock.
type RWSpinLock[T any] struct {
	mu    sync.RWMutex
	val   T
	irqs  *irq.Core
}

// New builds an RWSpinLock. irqs may be nil if the caller never uses the
// IRQSave variants (e.g. test-only locks).
func New[T any](irqs *irq.Core, val T) *RWSpinLock[T] {
	return &RWSpinLock[T]{val: val, irqs: irqs}
}

// Guard bundles the rwmutex unlock with the irq-restore in the order
// that re-enables IRQs only after the lock has been released — the
// Go-native stand-in for the original's struct-field destructor order
// (spec §4.5).
type Guard[T any] struct {
	lock      *RWSpinLock[T]
	write     bool
	irqGuard  *irq.DisableGuard
	released  bool
}

// Value returns a pointer to the protected value for the guard's
// lifetime.
func (g *Guard[T]) Value() *T { return &g.lock.val }

// Unlock releases the underlying rwmutex, then (unless Detach already ran)
// restores IRQs. Idempotent.
func (g *Guard[T]) Unlock() {
	if g.released {
		return
	}
	g.released = true
	if g.write {
		g.lock.mu.Unlock()
	} else {
		g.lock.mu.RUnlock()
	}
	if g.irqGuard != nil {
		g.irqGuard.Release()
		g.irqGuard = nil
	}
}

// Detach releases the rwmutex half only, and hands the guard's irq-disable
// half to the caller (nil if this guard never disabled IRQs) — the
// Go-native stand-in for the original's take_irq_guard/forget_irq pair,
// used by the scheduler's context-switch hook holder to batch several
// locks' IRQ-restores into one, released only after the switch completes
// (spec §4.5, §4.7, §9). Idempotent like Unlock.
func (g *Guard[T]) Detach() *irq.DisableGuard {
	if g.released {
		return nil
	}
	g.released = true
	if g.write {
		g.lock.mu.Unlock()
	} else {
		g.lock.mu.RUnlock()
	}
	d := g.irqGuard
	g.irqGuard = nil
	return d
}

// Lock acquires the write lock. The caller guarantees IRQs are already
// disabled, or that contention with IRQ context is impossible (spec §4.5).
func (l *RWSpinLock[T]) Lock() *Guard[T] {
	l.mu.Lock()
	return &Guard[T]{lock: l, write: true}
}

// IRQSaveLock disables local IRQs before acquiring the write lock,
// restoring them when the guard is unlocked.
func (l *RWSpinLock[T]) IRQSaveLock() *Guard[T] {
	g := l.irqs.Disable()
	l.mu.Lock()
	return &Guard[T]{lock: l, write: true, irqGuard: g}
}

// TryLock attempts to acquire the write lock without blocking.
func (l *RWSpinLock[T]) TryLock() (*Guard[T], bool) {
	if !l.mu.TryLock() {
		return nil, false
	}
	return &Guard[T]{lock: l, write: true}, true
}

// TryIRQSaveLock attempts the IRQ-disabling variant of TryLock.
func (l *RWSpinLock[T]) TryIRQSaveLock() (*Guard[T], bool) {
	g := l.irqs.Disable()
	if !l.mu.TryLock() {
		g.Release()
		return nil, false
	}
	return &Guard[T]{lock: l, write: true, irqGuard: g}, true
}

// RLock acquires the read lock.
func (l *RWSpinLock[T]) RLock() *Guard[T] {
	l.mu.RLock()
	return &Guard[T]{lock: l, write: false}
}

// Releasable is satisfied by *Guard[T] for any T — the common shape
// UnlockHolder needs to batch heterogeneous guards without itself becoming
// generic over every protected value type.
type Releasable interface {
	Detach() *irq.DisableGuard
}

// UnlockHolder batches the IRQ-restore half of one or more guards so they
// release together, at the exact point a blocking primitive is ready to
// give up the CPU — the Go-native stand-in for the original's
// take_irq_guard chaining (spec §4.5, §4.7, §9). The mutex half of each
// added guard is released immediately by Add; only the IRQ-disable depth
// is deferred to ReleaseAll.
type UnlockHolder struct {
	guards []*irq.DisableGuard
}

// Add detaches g, releasing its rwmutex immediately and folding its
// IRQ-disable (if any) into this holder.
func (h *UnlockHolder) Add(g Releasable) {
	if d := g.Detach(); d != nil {
		h.guards = append(h.guards, d)
	}
}

// ReleaseAll restores IRQs for every guard folded into this holder, in
// reverse order of nesting, and clears the holder for reuse.
func (h *UnlockHolder) ReleaseAll() {
	for i := len(h.guards) - 1; i >= 0; i-- {
		h.guards[i].Release()
	}
	h.guards = h.guards[:0]
}
