// Package syncprim implements the kernel's blocking synchronization
// primitives (spec §4.9, L9): counting semaphore, priority-inheriting
// mutex, event flags, mailbox, and message queue, every one built on
// internal/waitqueue's park/wake protocol and internal/spinlock's guards.
package syncprim

import (
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
	"github.com/zhanghe-vivo/kernel-sub004/internal/waitqueue"
)

type semState struct {
	count int32
}

// Semaphore is a classic counting semaphore (spec §4.9). Release hands its
// units directly to waiters when any are queued, rather than incrementing
// the count and making a waiter re-check it — the standard direct-handoff
// discipline that keeps wake order and acquire order identical.
type Semaphore struct {
	lock *spinlock.RWSpinLock[*semState]
	q    *waitqueue.Queue
}

// NewSemaphore builds a Semaphore starting at the given count, with
// priority-ordered wake (highest-priority waiter served first).
func NewSemaphore(s *sched.Scheduler, irqs *irq.Core, initial int32) *Semaphore {
	return &Semaphore{
		lock: spinlock.New[*semState](irqs, &semState{count: initial}),
		q:    waitqueue.New(s, irqs, waitqueue.Priority),
	}
}

// Acquire blocks until a unit is available.
func (s *Semaphore) Acquire(self *thread.Thread) kerr.Errno {
	g := s.lock.IRQSaveLock()
	st := g.Value()
	if st.count > 0 {
		st.count--
		g.Unlock()
		return kerr.EOK
	}
	self.SetErrno(kerr.EOK)
	var holder spinlock.UnlockHolder
	s.q.Wait(self, func() { holder.Add(g); holder.ReleaseAll() })
	return self.Errno()
}

// AcquireTimeout blocks until a unit is available or deadlineTicks ticks
// elapse, whichever comes first.
func (s *Semaphore) AcquireTimeout(self *thread.Thread, wheel *timer.Wheel, deadlineTicks uint32) kerr.Errno {
	g := s.lock.IRQSaveLock()
	st := g.Value()
	if st.count > 0 {
		st.count--
		g.Unlock()
		return kerr.EOK
	}
	self.SetErrno(kerr.EOK)
	var holder spinlock.UnlockHolder
	woken := s.q.WaitTimeout(self, wheel, deadlineTicks, func() { holder.Add(g); holder.ReleaseAll() })
	if !woken {
		return kerr.ETIMEDOUT
	}
	return self.Errno()
}

// TryAcquire attempts to take a unit without blocking.
func (s *Semaphore) TryAcquire() bool {
	g := s.lock.IRQSaveLock()
	st := g.Value()
	ok := st.count > 0
	if ok {
		st.count--
	}
	g.Unlock()
	return ok
}

// Release returns n units, handing them directly to up to n waiters
// before incrementing the count for any units left over.
func (s *Semaphore) Release(n int32) {
	g := s.lock.IRQSaveLock()
	st := g.Value()
	for i := int32(0); i < n; i++ {
		if w := s.q.WakeOne(); w != nil {
			continue
		}
		st.count++
	}
	g.Unlock()
}

// Count returns the current available count (diagnostic only — racy the
// instant it's read, as with any semaphore).
func (s *Semaphore) Count() int32 {
	g := s.lock.RLock()
	defer g.Unlock()
	return g.Value().count
}

// Reset aborts every current waiter with EINTR and sets the count to
// initial (spec's universal Reset() requirement).
func (s *Semaphore) Reset(initial int32) {
	g := s.lock.IRQSaveLock()
	st := g.Value()
	st.count = initial
	g.Unlock()
	s.q.WakeAllWith(func(t *thread.Thread) { t.SetErrno(kerr.EINTR) })
}
