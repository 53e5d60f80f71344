// Package waitqueue implements the canonical park/wake sequence every
// blocking primitive in this kernel builds on (spec §4.8, L8): a spinlock-
// protected intrusive list of waiters, FIFO or priority order, with the
// Suspended<->Ready CAS race against a timeout resolved the same way spec
// §4.8 describes it ("whichever side wins the CAS owns the wake").
package waitqueue

import (
	"github.com/zhanghe-vivo/kernel-sub004/internal/ilist"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
)

// Order selects FIFO or strict-priority waiter ordering (spec §4.8).
type Order int32

const (
	FIFO Order = iota
	Priority
)

// Queue is a wait list for one synchronization object. The zero value is
// not usable; build with New.
type Queue struct {
	sched *sched.Scheduler
	order Order
	list  *spinlock.RWSpinLock[*ilist.List[thread.Thread]]
}

// New builds an empty Queue of the given order, backed by s for the
// park/wake primitives and irqs for the list's spinlock.
func New(s *sched.Scheduler, irqs *irq.Core, order Order) *Queue {
	return &Queue{
		sched: s,
		order: order,
		list:  spinlock.New[*ilist.List[thread.Thread]](irqs, ilist.New[thread.Thread](thread.SchedAdapter)),
	}
}

func less(a, b *thread.Thread) bool { return a.Priority() < b.Priority() }

// link pushes t onto the queue according to its Order. Caller holds no
// other lock across this call.
func (q *Queue) link(t *thread.Thread) {
	g := q.list.IRQSaveLock()
	lst := *g.Value()
	if q.order == Priority {
		lst.InsertSorted(t, less)
	} else {
		lst.PushBack(t)
	}
	g.Unlock()
}

func (q *Queue) unlink(t *thread.Thread) {
	g := q.list.IRQSaveLock()
	(*g.Value()).Detach(t)
	g.Unlock()
}

// Empty reports whether the queue currently holds no waiters.
func (q *Queue) Empty() bool {
	g := q.list.RLock()
	defer g.Unlock()
	return (*g.Value()).Empty()
}

// Len reports the current waiter count.
func (q *Queue) Len() int {
	g := q.list.RLock()
	defer g.Unlock()
	return (*g.Value()).Len()
}

// Wait transitions the calling thread to SUSPENDED, links it onto the
// queue, and blocks until some other party calls WakeOne/WakeAll/Remove on
// it (spec §4.8's unbounded wait). unlockHook, if non-nil, is called after
// the state transition and the linking but before the thread gives up its
// CPU — the caller's chance to release the object's own spinlock via an
// UnlockHolder, exactly at spec §4.8 step 3's handoff point. Doing the
// state transition and the link before unlockHook runs, rather than after,
// is what guarantees a concurrent waker — which cannot acquire the
// object's lock until unlockHook has released it — always finds the
// thread already SUSPENDED and already linked (see sched.ParkSuspended).
func (q *Queue) Wait(t *thread.Thread, unlockHook func()) {
	if !t.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("waitqueue: Wait requires the calling thread to be RUNNING", nil)
	}
	q.link(t)
	if unlockHook != nil {
		unlockHook()
	}
	q.sched.ParkSuspended(t)
}

// WaitTimeout behaves like Wait but also arms a one-shot hard timer for
// deadlineTicks ticks; if the timer fires first, it removes t from the
// queue itself and resumes it, and the caller distinguishes timeout from
// wake by checking t's return value is false. Whichever side's CAS on t's
// state wins decides the outcome (spec §4.8's double-wake guard,
// implemented identically to Resume's CAS race).
func (q *Queue) WaitTimeout(t *thread.Thread, wheel *timer.Wheel, deadlineTicks uint32, unlockHook func()) (woken bool) {
	if !t.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("waitqueue: WaitTimeout requires the calling thread to be RUNNING", nil)
	}
	q.link(t)
	timedOut := false
	tm := timer.New(timer.Hard, func() {
		// Resume's internal CAS is the single source of truth for who
		// actually won the race against a concurrent WakeOne/WakeAll: if
		// the thread was already resumed by a waker, this Resume fails
		// and timedOut must stay false even though the timer also fired.
		if q.sched.Resume(t) {
			timedOut = true
		}
		q.unlink(t)
	})
	wheel.Start(tm, deadlineTicks)
	if unlockHook != nil {
		unlockHook()
	}
	q.sched.ParkSuspended(t)
	wheel.Stop(tm)
	return !timedOut
}

// WakeOne removes and resumes the single best waiter (queue-order front
// for FIFO, highest priority for Priority queues), returning it, or nil if
// the queue was empty.
func (q *Queue) WakeOne() *thread.Thread {
	g := q.list.IRQSaveLock()
	lst := *g.Value()
	t := lst.PopFront()
	g.Unlock()
	if t == nil {
		return nil
	}
	q.sched.Resume(t)
	return t
}

// WakeAll removes and resumes every waiter, returning how many were woken.
func (q *Queue) WakeAll() int {
	g := q.list.IRQSaveLock()
	lst := *g.Value()
	var woken []*thread.Thread
	for {
		t := lst.PopFront()
		if t == nil {
			break
		}
		woken = append(woken, t)
	}
	g.Unlock()
	for _, t := range woken {
		q.sched.Resume(t)
	}
	return len(woken)
}

// WakeN removes and resumes up to n waiters, returning how many were
// actually woken (spec §8's futex-style wake-N scenario).
func (q *Queue) WakeN(n int) int {
	var woken []*thread.Thread
	g := q.list.IRQSaveLock()
	lst := *g.Value()
	for i := 0; i < n; i++ {
		t := lst.PopFront()
		if t == nil {
			break
		}
		woken = append(woken, t)
	}
	g.Unlock()
	for _, t := range woken {
		q.sched.Resume(t)
	}
	return len(woken)
}

// Remove detaches t without resuming it, used when a caller reneges on a
// wait (e.g. a signal delivery interrupts it — spec §4.11).
func (q *Queue) Remove(t *thread.Thread) {
	q.unlink(t)
}

// WakeAllWith behaves like WakeAll but calls setup(t) on each waiter
// immediately before resuming it — used by the sync primitives' Reset()
// implementations to stamp an error outcome on every waiter before waking
// it, so the wake is distinguishable from a genuine satisfied wait.
func (q *Queue) WakeAllWith(setup func(*thread.Thread)) int {
	g := q.list.IRQSaveLock()
	lst := *g.Value()
	var woken []*thread.Thread
	for {
		t := lst.PopFront()
		if t == nil {
			break
		}
		woken = append(woken, t)
	}
	g.Unlock()
	for _, t := range woken {
		if setup != nil {
			setup(t)
		}
		q.sched.Resume(t)
	}
	return len(woken)
}

// PeekPriority returns the priority of the queue's current front waiter
// (for a Priority-ordered queue, this is also the highest-priority
// waiter), and whether the queue is non-empty — used by Mutex to
// implement thread.PriorityDonor.
func (q *Queue) PeekPriority() (uint32, bool) {
	g := q.list.RLock()
	defer g.Unlock()
	front := (*g.Value()).Front()
	if front == nil {
		return 0, false
	}
	return front.Priority(), true
}

// Condvar is a condition variable built directly on Queue (spec §4.8,
// supplemented from original_source's condvar.rs): wait releases the
// caller-supplied external mutex via unlockHook and reacquires it after
// waking, matching the classic wait/signal/broadcast contract.
type Condvar struct {
	q *Queue
}

// NewCondvar builds a Condvar with FIFO wake order.
func NewCondvar(s *sched.Scheduler, irqs *irq.Core) *Condvar {
	return &Condvar{q: New(s, irqs, FIFO)}
}

// Wait blocks the calling thread on the condvar. release is called after
// the thread is linked (to drop the caller's external mutex before
// blocking); reacquire is called once the thread has woken (to retake it) —
// both run on the calling thread, matching the usual condvar contract.
func (c *Condvar) Wait(t *thread.Thread, release, reacquire func()) {
	c.q.Wait(t, release)
	if reacquire != nil {
		reacquire()
	}
}

// Signal wakes one waiter, if any.
func (c *Condvar) Signal() { c.q.WakeOne() }

// Broadcast wakes every waiter.
func (c *Condvar) Broadcast() { c.q.WakeAll() }
