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

type qEntry struct {
	value    uintptr
	priority uint32
}

type mqState struct {
	buf   []qEntry
	head  int
	count int
}

// MessageQueue is a fixed-capacity ring buffer of fixed-width messages
// (spec §4.9), with an optional priority mode where Send's priority
// argument determines insertion order within the buffer rather than
// pure arrival order — the bounded analogue of waitqueue.Priority.
type MessageQueue struct {
	cap      int
	priority bool
	lock     *spinlock.RWSpinLock[*mqState]
	readers  *waitqueue.Queue
	writers  *waitqueue.Queue
}

// NewMessageQueue builds an empty MessageQueue of the given capacity.
// When priorityMode is true, Send's priority argument controls the
// message's position in the buffer; otherwise messages are strict FIFO
// and priority is ignored.
func NewMessageQueue(s *sched.Scheduler, irqs *irq.Core, capacity int, priorityMode bool) *MessageQueue {
	if capacity <= 0 {
		kerr.Fatal("syncprim: message queue requires a positive capacity", nil)
	}
	return &MessageQueue{
		cap:      capacity,
		priority: priorityMode,
		lock:     spinlock.New[*mqState](irqs, &mqState{buf: make([]qEntry, capacity)}),
		readers:  waitqueue.New(s, irqs, waitqueue.FIFO),
		writers:  waitqueue.New(s, irqs, waitqueue.FIFO),
	}
}

func (q *MessageQueue) insertLocked(st *mqState, e qEntry) {
	if !q.priority || st.count == 0 {
		st.buf[(st.head+st.count)%q.cap] = e
		st.count++
		return
	}
	// Shift-insert in descending-priority order; bounded by cap so the
	// O(n) shift is cheap relative to the blocking it would otherwise
	// avoid.
	idx := st.count
	for idx > 0 {
		prev := (st.head + idx - 1) % q.cap
		if st.buf[prev].priority >= e.priority {
			break
		}
		st.buf[(st.head+idx)%q.cap] = st.buf[prev]
		idx--
	}
	st.buf[(st.head+idx)%q.cap] = e
	st.count++
}

func (q *MessageQueue) popLocked(st *mqState) qEntry {
	e := st.buf[st.head]
	st.head = (st.head + 1) % q.cap
	st.count--
	return e
}

// Send blocks until there is room, then enqueues value.
func (q *MessageQueue) Send(self *thread.Thread, value uintptr, priority uint32) kerr.Errno {
	for {
		g := q.lock.IRQSaveLock()
		st := g.Value()
		if st.count < q.cap {
			q.insertLocked(st, qEntry{value: value, priority: priority})
			g.Unlock()
			q.readers.WakeOne()
			return kerr.EOK
		}
		self.SetErrno(kerr.EOK)
		var holder spinlock.UnlockHolder
		q.writers.Wait(self, func() { holder.Add(g); holder.ReleaseAll() })
		if self.Errno() != kerr.EOK {
			return self.Errno()
		}
	}
}

// TrySend enqueues value without blocking, returning kerr.EFULL if the
// queue has no room.
func (q *MessageQueue) TrySend(value uintptr, priority uint32) kerr.Errno {
	g := q.lock.IRQSaveLock()
	st := g.Value()
	if st.count >= q.cap {
		g.Unlock()
		return kerr.EFULL
	}
	q.insertLocked(st, qEntry{value: value, priority: priority})
	g.Unlock()
	q.readers.WakeOne()
	return kerr.EOK
}

// Receive blocks until a message is available, then dequeues it.
func (q *MessageQueue) Receive(self *thread.Thread) (uintptr, kerr.Errno) {
	for {
		g := q.lock.IRQSaveLock()
		st := g.Value()
		if st.count > 0 {
			e := q.popLocked(st)
			g.Unlock()
			q.writers.WakeOne()
			return e.value, kerr.EOK
		}
		self.SetErrno(kerr.EOK)
		var holder spinlock.UnlockHolder
		q.readers.Wait(self, func() { holder.Add(g); holder.ReleaseAll() })
		if self.Errno() != kerr.EOK {
			return 0, self.Errno()
		}
	}
}

// ReceiveTimeout behaves like Receive but gives up after deadlineTicks
// ticks.
func (q *MessageQueue) ReceiveTimeout(self *thread.Thread, wheel *timer.Wheel, deadlineTicks uint32) (uintptr, kerr.Errno) {
	g := q.lock.IRQSaveLock()
	st := g.Value()
	if st.count > 0 {
		e := q.popLocked(st)
		g.Unlock()
		q.writers.WakeOne()
		return e.value, kerr.EOK
	}
	self.SetErrno(kerr.EOK)
	var holder spinlock.UnlockHolder
	woken := q.readers.WaitTimeout(self, wheel, deadlineTicks, func() { holder.Add(g); holder.ReleaseAll() })
	if !woken {
		return 0, kerr.ETIMEDOUT
	}
	if self.Errno() != kerr.EOK {
		return 0, self.Errno()
	}
	g2 := q.lock.IRQSaveLock()
	st2 := g2.Value()
	if st2.count == 0 {
		g2.Unlock()
		return 0, kerr.ETIMEDOUT
	}
	e := q.popLocked(st2)
	g2.Unlock()
	q.writers.WakeOne()
	return e.value, kerr.EOK
}

// Len reports the current queued message count.
func (q *MessageQueue) Len() int {
	g := q.lock.RLock()
	defer g.Unlock()
	return g.Value().count
}

// Reset empties the buffer and aborts every waiting reader and writer
// with EINTR (spec's universal Reset() requirement).
func (q *MessageQueue) Reset() {
	g := q.lock.IRQSaveLock()
	st := g.Value()
	st.head, st.count = 0, 0
	g.Unlock()
	q.readers.WakeAllWith(func(t *thread.Thread) { t.SetErrno(kerr.EINTR) })
	q.writers.WakeAllWith(func(t *thread.Thread) { t.SetErrno(kerr.EINTR) })
}
