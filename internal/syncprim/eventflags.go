package syncprim

import (
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
)

// efWaiter carries the per-wait matching metadata (mask/all/clear) that
// waitqueue.Queue's generic thread-only storage has no room for, so
// EventFlags keeps its own small waiter slice instead of building on
// Queue (spec §4.9's ALL/ANY event-flag group).
type efWaiter struct {
	t      *thread.Thread
	mask   uint32
	all    bool
	clear  bool
	result uint32
}

func (w *efWaiter) satisfied(flags uint32) bool {
	if w.all {
		return flags&w.mask == w.mask
	}
	return flags&w.mask != 0
}

type efState struct {
	flags   uint32
	waiters []*efWaiter
}

// EventFlags is a group of 32 independent event bits, with waiters able
// to request ANY or ALL of a mask, and to optionally auto-clear the
// matched bits on wake (spec §4.9).
type EventFlags struct {
	sched *sched.Scheduler
	lock  *spinlock.RWSpinLock[*efState]
}

// NewEventFlags builds an EventFlags group with all bits initially clear.
func NewEventFlags(s *sched.Scheduler, irqs *irq.Core) *EventFlags {
	return &EventFlags{
		sched: s,
		lock:  spinlock.New[*efState](irqs, &efState{}),
	}
}

// Wait blocks self until flags&mask satisfies the ANY/ALL condition,
// returning the matched bits (post-clear, if clear was requested).
func (ef *EventFlags) Wait(self *thread.Thread, mask uint32, all, clear bool) (uint32, kerr.Errno) {
	g := ef.lock.IRQSaveLock()
	st := g.Value()
	if flags := st.flags; matches(flags, mask, all) {
		result := flags & mask
		if clear {
			st.flags &^= mask
		}
		g.Unlock()
		return result, kerr.EOK
	}
	w := &efWaiter{t: self, mask: mask, all: all, clear: clear}
	st.waiters = append(st.waiters, w)
	if !self.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("syncprim: eventflags Wait requires the calling thread to be RUNNING", nil)
	}
	var holder spinlock.UnlockHolder
	holder.Add(g)
	holder.ReleaseAll()
	ef.sched.ParkSuspended(self)
	return w.result, self.Errno()
}

// WaitTimeout behaves like Wait but gives up after deadlineTicks ticks,
// in which case it returns (0, kerr.ETIMEDOUT).
func (ef *EventFlags) WaitTimeout(self *thread.Thread, mask uint32, all, clear bool, wheel *timer.Wheel, deadlineTicks uint32) (uint32, kerr.Errno) {
	g := ef.lock.IRQSaveLock()
	st := g.Value()
	if flags := st.flags; matches(flags, mask, all) {
		result := flags & mask
		if clear {
			st.flags &^= mask
		}
		g.Unlock()
		return result, kerr.EOK
	}
	w := &efWaiter{t: self, mask: mask, all: all, clear: clear}
	st.waiters = append(st.waiters, w)
	if !self.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("syncprim: eventflags WaitTimeout requires the calling thread to be RUNNING", nil)
	}

	timedOut := false
	tm := timer.New(timer.Hard, func() {
		g2 := ef.lock.IRQSaveLock()
		st2 := g2.Value()
		removeWaiter(st2, w)
		g2.Unlock()
		if ef.sched.Resume(self) {
			timedOut = true
		}
	})
	wheel.Start(tm, deadlineTicks)

	var holder spinlock.UnlockHolder
	holder.Add(g)
	holder.ReleaseAll()
	ef.sched.ParkSuspended(self)
	wheel.Stop(tm)
	if timedOut {
		return 0, kerr.ETIMEDOUT
	}
	return w.result, self.Errno()
}

// Set ORs mask into the flags and wakes every waiter whose condition is
// now satisfied, each with its own matched/optionally-cleared result.
func (ef *EventFlags) Set(mask uint32) {
	g := ef.lock.IRQSaveLock()
	st := g.Value()
	st.flags |= mask
	var woken []*thread.Thread
	remaining := st.waiters[:0]
	for _, w := range st.waiters {
		if w.satisfied(st.flags) {
			w.result = st.flags & w.mask
			if w.clear {
				st.flags &^= w.mask
			}
			w.t.SetErrno(kerr.EOK)
			woken = append(woken, w.t)
			continue
		}
		remaining = append(remaining, w)
	}
	st.waiters = remaining
	g.Unlock()
	for _, t := range woken {
		ef.sched.Resume(t)
	}
}

// Clear clears the given bits unconditionally.
func (ef *EventFlags) Clear(mask uint32) {
	g := ef.lock.IRQSaveLock()
	g.Value().flags &^= mask
	g.Unlock()
}

// Get returns the current flag bits.
func (ef *EventFlags) Get() uint32 {
	g := ef.lock.RLock()
	defer g.Unlock()
	return g.Value().flags
}

// Reset clears all flags and wakes every waiter with EINTR (spec's
// universal Reset() requirement).
func (ef *EventFlags) Reset() {
	g := ef.lock.IRQSaveLock()
	st := g.Value()
	st.flags = 0
	woken := st.waiters
	st.waiters = nil
	g.Unlock()
	for _, w := range woken {
		w.result = 0
		w.t.SetErrno(kerr.EINTR)
		ef.sched.Resume(w.t)
	}
}

func matches(flags, mask uint32, all bool) bool {
	if all {
		return flags&mask == mask
	}
	return flags&mask != 0
}

func removeWaiter(st *efState, target *efWaiter) {
	for i, w := range st.waiters {
		if w == target {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}
