// Package futex implements the address-keyed wait/wake primitive spec
// §4.10 (L10) builds user-space synchronization on top of: FUTEX_WAIT
// blocks a thread only if the word at addr still equals expected at the
// instant of the check (the compare happens under the same lock as the
// link, so a concurrent FUTEX_WAKE can never be missed between the two),
// and FUTEX_WAKE resumes up to n waiters queued on that address.
package futex

import (
	"sync/atomic"
	"unsafe"

	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
)

// Table is the kernel-wide futex hash table: a process-wide intrusive
// list of (address, wait-queue) records (spec §3), lazily created on
// first wait at an address and removed once its queue empties again.
// Lookup/creation of an address's entry and mutation of its waiter list
// are both covered by the same lock (spec §4.10's "takes the global
// futex-table lock"), so an entry can never be observed, or deleted,
// half-updated between the two.
type Table struct {
	sched  *sched.Scheduler
	wakeFd int

	table *spinlock.RWSpinLock[map[uintptr][]*thread.Thread]
}

// NewTable builds an empty futex table, additionally opening an eventfd
// (on platforms that have one) so a host-process poller blocked in a real
// epoll/select outside this simulated kernel also observes wakes.
func NewTable(s *sched.Scheduler, irqs *irq.Core) *Table {
	return &Table{
		sched:  s,
		wakeFd: newWakeFd(),
		table:  spinlock.New[map[uintptr][]*thread.Thread](irqs, make(map[uintptr][]*thread.Thread)),
	}
}

// WakeFd returns the eventfd a host poller can add to its own epoll/select
// set, or -1 if none is available on this platform.
func (tb *Table) WakeFd() int { return tb.wakeFd }

// Close releases the table's eventfd, if any.
func (tb *Table) Close() { closeWakeFd(tb.wakeFd) }

func keyOf(addr *uint32) uintptr { return uintptr(unsafe.Pointer(addr)) }

// Wait blocks self if and only if *addr == expected at the instant of
// the check, returning kerr.EAGAIN immediately if it has already
// changed (spec §4.10's core race-free contract).
func (tb *Table) Wait(self *thread.Thread, addr *uint32, expected uint32) kerr.Errno {
	key := keyOf(addr)
	g := tb.table.IRQSaveLock()
	if atomic.LoadUint32(addr) != expected {
		g.Unlock()
		return kerr.EAGAIN
	}
	m := g.Value()
	(*m)[key] = append((*m)[key], self)
	if !self.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("futex: Wait requires the calling thread to be RUNNING", nil)
	}
	self.SetErrno(kerr.EOK)
	var holder spinlock.UnlockHolder
	holder.Add(g)
	holder.ReleaseAll()
	tb.sched.ParkSuspended(self)
	return self.Errno()
}

// WaitTimeout behaves like Wait but gives up after deadlineTicks ticks.
func (tb *Table) WaitTimeout(self *thread.Thread, addr *uint32, expected uint32, wheel *timer.Wheel, deadlineTicks uint32) kerr.Errno {
	key := keyOf(addr)
	g := tb.table.IRQSaveLock()
	if atomic.LoadUint32(addr) != expected {
		g.Unlock()
		return kerr.EAGAIN
	}
	m := g.Value()
	(*m)[key] = append((*m)[key], self)
	if !self.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("futex: WaitTimeout requires the calling thread to be RUNNING", nil)
	}
	self.SetErrno(kerr.EOK)

	timedOut := false
	tm := timer.New(timer.Hard, func() {
		g2 := tb.table.IRQSaveLock()
		removeAndPrune(g2.Value(), key, self)
		g2.Unlock()
		if tb.sched.Resume(self) {
			timedOut = true
		}
	})
	wheel.Start(tm, deadlineTicks)

	var holder spinlock.UnlockHolder
	holder.Add(g)
	holder.ReleaseAll()
	tb.sched.ParkSuspended(self)
	wheel.Stop(tm)
	if timedOut {
		return kerr.ETIMEDOUT
	}
	return self.Errno()
}

// Wake resumes up to n waiters on addr in FIFO arrival order, returning
// how many were actually woken (spec §8's futex wake-N scenario). If
// waking empties addr's entry, the entry is removed from the table (spec
// §3's "removed when its queue empties").
func (tb *Table) Wake(addr *uint32, n int) int {
	key := keyOf(addr)
	g := tb.table.IRQSaveLock()
	m := g.Value()
	waiters := (*m)[key]
	take := n
	if take > len(waiters) {
		take = len(waiters)
	}
	woken := append([]*thread.Thread(nil), waiters[:take]...)
	rest := waiters[take:]
	if len(rest) == 0 {
		delete(*m, key)
	} else {
		(*m)[key] = rest
	}
	g.Unlock()
	for _, t := range woken {
		tb.sched.Resume(t)
	}
	if len(woken) > 0 {
		ringWakeFd(tb.wakeFd)
	}
	return len(woken)
}

// WakeAll resumes every waiter on addr, returning how many were woken.
func (tb *Table) WakeAll(addr *uint32) int {
	return tb.Wake(addr, 1<<30)
}

// removeAndPrune removes target from key's waiter list (if present),
// deleting the entry entirely once it is empty. Caller holds the table
// lock.
func removeAndPrune(m *map[uintptr][]*thread.Thread, key uintptr, target *thread.Thread) {
	waiters := (*m)[key]
	for i, t := range waiters {
		if t == target {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(*m, key)
	} else {
		(*m)[key] = waiters
	}
}
