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

type mailboxState struct {
	buf   []uintptr
	head  int
	count int
}

// Mailbox is a bounded ring of uintptr-sized slots (spec §4.9): Send
// blocks on a full mailbox, Fetch blocks on an empty one, and SendUrgent
// inserts at the head of the ring instead of the tail, jumping the
// normal FIFO order for out-of-band notifications.
type Mailbox struct {
	cap     int
	lock    *spinlock.RWSpinLock[*mailboxState]
	readers *waitqueue.Queue
	writers *waitqueue.Queue
}

// NewMailbox builds an empty Mailbox of the given slot capacity, with
// FIFO fairness among readers and among writers.
func NewMailbox(s *sched.Scheduler, irqs *irq.Core, capacity int) *Mailbox {
	if capacity <= 0 {
		kerr.Fatal("syncprim: mailbox requires a positive capacity", nil)
	}
	return &Mailbox{
		cap:     capacity,
		lock:    spinlock.New[*mailboxState](irqs, &mailboxState{buf: make([]uintptr, capacity)}),
		readers: waitqueue.New(s, irqs, waitqueue.FIFO),
		writers: waitqueue.New(s, irqs, waitqueue.FIFO),
	}
}

func (m *Mailbox) pushBackLocked(st *mailboxState, v uintptr) {
	st.buf[(st.head+st.count)%m.cap] = v
	st.count++
}

// pushFrontLocked inserts v at the logical head, the bounded-ring
// equivalent of an intrusive list's push-front, used by SendUrgent.
func (m *Mailbox) pushFrontLocked(st *mailboxState, v uintptr) {
	st.head = (st.head - 1 + m.cap) % m.cap
	st.buf[st.head] = v
	st.count++
}

func (m *Mailbox) popFrontLocked(st *mailboxState) uintptr {
	v := st.buf[st.head]
	st.head = (st.head + 1) % m.cap
	st.count--
	return v
}

// Send blocks until the ring has room, then enqueues value at the tail.
func (m *Mailbox) Send(self *thread.Thread, value uintptr) kerr.Errno {
	for {
		g := m.lock.IRQSaveLock()
		st := g.Value()
		if st.count < m.cap {
			m.pushBackLocked(st, value)
			g.Unlock()
			m.readers.WakeOne()
			return kerr.EOK
		}
		self.SetErrno(kerr.EOK)
		var holder spinlock.UnlockHolder
		m.writers.Wait(self, func() { holder.Add(g); holder.ReleaseAll() })
		if self.Errno() != kerr.EOK {
			return self.Errno()
		}
	}
}

// SendUrgent blocks until the ring has room like Send, but inserts value
// at the head of the ring so it is the very next one Fetch returns,
// regardless of arrival order (spec §4.9's mailbox urgent-insert).
func (m *Mailbox) SendUrgent(self *thread.Thread, value uintptr) kerr.Errno {
	for {
		g := m.lock.IRQSaveLock()
		st := g.Value()
		if st.count < m.cap {
			m.pushFrontLocked(st, value)
			g.Unlock()
			m.readers.WakeOne()
			return kerr.EOK
		}
		self.SetErrno(kerr.EOK)
		var holder spinlock.UnlockHolder
		m.writers.Wait(self, func() { holder.Add(g); holder.ReleaseAll() })
		if self.Errno() != kerr.EOK {
			return self.Errno()
		}
	}
}

// TrySend enqueues value at the tail without blocking, returning
// kerr.EFULL if the ring has no room.
func (m *Mailbox) TrySend(value uintptr) kerr.Errno {
	g := m.lock.IRQSaveLock()
	st := g.Value()
	if st.count >= m.cap {
		g.Unlock()
		return kerr.EFULL
	}
	m.pushBackLocked(st, value)
	g.Unlock()
	m.readers.WakeOne()
	return kerr.EOK
}

// Fetch blocks until a value is available, then dequeues the oldest one.
func (m *Mailbox) Fetch(self *thread.Thread) (uintptr, kerr.Errno) {
	for {
		g := m.lock.IRQSaveLock()
		st := g.Value()
		if st.count > 0 {
			v := m.popFrontLocked(st)
			g.Unlock()
			m.writers.WakeOne()
			return v, kerr.EOK
		}
		self.SetErrno(kerr.EOK)
		var holder spinlock.UnlockHolder
		m.readers.Wait(self, func() { holder.Add(g); holder.ReleaseAll() })
		if self.Errno() != kerr.EOK {
			return 0, self.Errno()
		}
	}
}

// FetchTimeout behaves like Fetch but gives up after deadlineTicks ticks.
func (m *Mailbox) FetchTimeout(self *thread.Thread, wheel *timer.Wheel, deadlineTicks uint32) (uintptr, kerr.Errno) {
	g := m.lock.IRQSaveLock()
	st := g.Value()
	if st.count > 0 {
		v := m.popFrontLocked(st)
		g.Unlock()
		m.writers.WakeOne()
		return v, kerr.EOK
	}
	self.SetErrno(kerr.EOK)
	var holder spinlock.UnlockHolder
	woken := m.readers.WaitTimeout(self, wheel, deadlineTicks, func() { holder.Add(g); holder.ReleaseAll() })
	if !woken {
		return 0, kerr.ETIMEDOUT
	}
	if self.Errno() != kerr.EOK {
		return 0, self.Errno()
	}
	g2 := m.lock.IRQSaveLock()
	st2 := g2.Value()
	if st2.count == 0 {
		g2.Unlock()
		return 0, kerr.ETIMEDOUT
	}
	v := m.popFrontLocked(st2)
	g2.Unlock()
	m.writers.WakeOne()
	return v, kerr.EOK
}

// Len reports the current queued value count.
func (m *Mailbox) Len() int {
	g := m.lock.RLock()
	defer g.Unlock()
	return g.Value().count
}

// Reset empties the ring and aborts every waiting reader and writer with
// EINTR (spec's universal Reset() requirement).
func (m *Mailbox) Reset() {
	g := m.lock.IRQSaveLock()
	st := g.Value()
	st.head, st.count = 0, 0
	g.Unlock()
	m.readers.WakeAllWith(func(t *thread.Thread) { t.SetErrno(kerr.EINTR) })
	m.writers.WakeAllWith(func(t *thread.Thread) { t.SetErrno(kerr.EINTR) })
}
