package syncprim

import (
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/klog"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
	"github.com/zhanghe-vivo/kernel-sub004/internal/waitqueue"
)

type mutexState struct {
	owner     *thread.Thread
	holdCount uint32
}

// Mutex is a reentrant, priority-inheriting mutual-exclusion lock (spec
// §4.9). It implements thread.PriorityDonor so its current owner's
// BoostPriority tracks the highest-priority thread waiting on it, exactly
// the way spec §4.6's priority-inheritance protocol requires.
type Mutex struct {
	lock *spinlock.RWSpinLock[*mutexState]
	q    *waitqueue.Queue
}

var _ thread.PriorityDonor = (*Mutex)(nil)

// NewMutex builds an unlocked Mutex with priority-ordered waiter wake.
func NewMutex(s *sched.Scheduler, irqs *irq.Core) *Mutex {
	return &Mutex{
		lock: spinlock.New[*mutexState](irqs, &mutexState{}),
		q:    waitqueue.New(s, irqs, waitqueue.Priority),
	}
}

// HighestWaiterPriority implements thread.PriorityDonor: the priority the
// current owner should be boosted to, donated by the highest-priority
// thread blocked on this mutex.
func (m *Mutex) HighestWaiterPriority() (uint32, bool) {
	return m.q.PeekPriority()
}

// Lock acquires the mutex, recursively if self already owns it, boosting
// self's priority to the highest waiter's the instant a lower-priority
// owner causes a wait (spec §4.6).
func (m *Mutex) Lock(self *thread.Thread) kerr.Errno {
	g := m.lock.IRQSaveLock()
	st := g.Value()
	if st.owner == nil {
		st.owner = self
		st.holdCount = 1
		g.Unlock()
		return kerr.EOK
	}
	if st.owner == self {
		st.holdCount++
		g.Unlock()
		return kerr.EOK
	}
	owner := st.owner
	owner.AddHeldDonor(m)
	owner.BoostPriority(self.Priority())
	self.SetErrno(kerr.EOK)
	var holder spinlock.UnlockHolder
	m.q.Wait(self, func() { holder.Add(g); holder.ReleaseAll() })
	return self.Errno()
}

// LockTimeout behaves like Lock but gives up after deadlineTicks ticks.
func (m *Mutex) LockTimeout(self *thread.Thread, wheel *timer.Wheel, deadlineTicks uint32) kerr.Errno {
	g := m.lock.IRQSaveLock()
	st := g.Value()
	if st.owner == nil {
		st.owner = self
		st.holdCount = 1
		g.Unlock()
		return kerr.EOK
	}
	if st.owner == self {
		st.holdCount++
		g.Unlock()
		return kerr.EOK
	}
	owner := st.owner
	owner.AddHeldDonor(m)
	owner.BoostPriority(self.Priority())
	self.SetErrno(kerr.EOK)
	var holder spinlock.UnlockHolder
	woken := m.q.WaitTimeout(self, wheel, deadlineTicks, func() { holder.Add(g); holder.ReleaseAll() })
	if !woken {
		return kerr.ETIMEDOUT
	}
	return self.Errno()
}

// TryLock attempts to acquire (or recursively re-acquire) the mutex
// without blocking.
func (m *Mutex) TryLock(self *thread.Thread) bool {
	g := m.lock.IRQSaveLock()
	defer g.Unlock()
	st := g.Value()
	if st.owner == nil {
		st.owner = self
		st.holdCount = 1
		return true
	}
	if st.owner == self {
		st.holdCount++
		return true
	}
	return false
}

// Unlock releases one hold. Once holdCount reaches zero, ownership passes
// directly to the best-priority waiter (if any), restoring self's own
// priority via RestoreBasePriority — spec §4.6's inheritance must end the
// instant the boosting reason (this hold) goes away.
func (m *Mutex) Unlock(self *thread.Thread) kerr.Errno {
	g := m.lock.IRQSaveLock()
	st := g.Value()
	if st.owner != self {
		g.Unlock()
		return kerr.EPERM
	}
	st.holdCount--
	if st.holdCount > 0 {
		g.Unlock()
		return kerr.EOK
	}
	self.RemoveHeldDonor(m)
	self.RestoreBasePriority()
	// WakeOne is called with m's own lock still held (it acquires the
	// queue's separate list lock, never m.lock, so no deadlock) so no
	// racing TryLock can observe owner == nil between the pop and the
	// handoff below.
	next := m.q.WakeOne()
	st.owner = next
	if next != nil {
		st.holdCount = 1
	}
	g.Unlock()
	return kerr.EOK
}

// Reset forcibly clears ownership regardless of outstanding holds,
// waking every waiter with EINTR (spec's universal Reset() requirement).
// Open Question resolution: a Mutex's Reset always discards the current
// owner's hold unconditionally, logging a warning, rather than refusing
// when holdCount > 0 — matching the original's recovery-from-crashed-
// owner use case.
func (m *Mutex) Reset() {
	g := m.lock.IRQSaveLock()
	st := g.Value()
	if st.owner != nil {
		klog.Warnf("syncprim: mutex reset with active owner",
			klog.String("owner", st.owner.Name()),
			klog.Int("hold_count", int64(st.holdCount)))
		st.owner.RemoveHeldDonor(m)
		st.owner.RestoreBasePriority()
	}
	st.owner = nil
	st.holdCount = 0
	g.Unlock()
	m.q.WakeAllWith(func(t *thread.Thread) { t.SetErrno(kerr.EINTR) })
}

// Owner returns the current owner, or nil if unlocked (diagnostic only).
func (m *Mutex) Owner() *thread.Thread {
	g := m.lock.RLock()
	defer g.Unlock()
	return g.Value().owner
}
