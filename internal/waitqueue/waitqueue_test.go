package waitqueue

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanghe-vivo/kernel-sub004/internal/arch"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kconfig"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
)

// newTestScheduler builds a single-CPU scheduler whose idle thread loops on
// Yield, matching the pattern sched's own tests use: Yield, not
// PollPreempt, is the path that special-cases an idle caller.
func newTestScheduler(t *testing.T) (*sched.Scheduler, *irq.Core) {
	t.Helper()
	cfg, err := kconfig.New(kconfig.WithNumCores(1))
	require.NoError(t, err)
	port := arch.New(1)
	irqs := irq.New(port, 1)

	var s *sched.Scheduler
	idle := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		for {
			s.Yield()
		}
	}}).Name("idle").Kind(thread.Idle).Priority(31).BoundCPU(0).Build()
	s = sched.New(cfg, port, irqs, []*thread.Thread{idle})
	return s, irqs
}

func waitOrFail(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// spawnWaiter boots (if not already booted) a thread that waits on q and
// appends its name to order (under the test's own synchronization) once
// woken; started closes once the thread has linked onto the queue.
func spawnWaiter(t *testing.T, s *sched.Scheduler, q *Queue, name string, priority uint32, started chan<- struct{}, woke chan<- string) *thread.Thread {
	t.Helper()
	var self *thread.Thread
	self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(started)
		q.Wait(self, nil)
		woke <- name
	}}).Name(name).Priority(priority).Build()
	s.Spawn(self)
	return self
}

func TestQueue_EmptyLen(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, FIFO)
	assert.True(t, q.Empty())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_WaitWakeOneFIFOOrder(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, FIFO)
	s.BootCPU(0)

	woke := make(chan string, 3)
	var started [3]chan struct{}
	for i := range started {
		started[i] = make(chan struct{})
	}
	spawnWaiter(t, s, q, "a", 10, started[0], woke)
	waitOrFail(t, started[0], "a to link onto the queue")
	for q.Len() != 1 {
		runtime.Gosched()
	}

	spawnWaiter(t, s, q, "b", 10, started[1], woke)
	waitOrFail(t, started[1], "b to link onto the queue")
	for q.Len() != 2 {
		runtime.Gosched()
	}

	spawnWaiter(t, s, q, "c", 10, started[2], woke)
	waitOrFail(t, started[2], "c to link onto the queue")
	for q.Len() != 3 {
		runtime.Gosched()
	}

	assert.Equal(t, "a", q.WakeOne().Name())
	assert.Equal(t, "a", <-woke)
	assert.Equal(t, "b", q.WakeOne().Name())
	assert.Equal(t, "b", <-woke)
	assert.Equal(t, "c", q.WakeOne().Name())
	assert.Equal(t, "c", <-woke)
	assert.Nil(t, q.WakeOne())
}

func TestQueue_PriorityOrderWakeOne(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, Priority)
	s.BootCPU(0)

	woke := make(chan string, 3)
	startedLow := make(chan struct{})
	startedMid := make(chan struct{})
	startedHigh := make(chan struct{})

	// spawned in low-to-high priority order (the reverse of wake order) to
	// prove Priority mode is not merely FIFO in disguise.
	spawnWaiter(t, s, q, "low", 20, startedLow, woke)
	waitOrFail(t, startedLow, "low to link")
	for q.Len() != 1 {
		runtime.Gosched()
	}
	spawnWaiter(t, s, q, "mid", 10, startedMid, woke)
	waitOrFail(t, startedMid, "mid to link")
	for q.Len() != 2 {
		runtime.Gosched()
	}
	spawnWaiter(t, s, q, "high", 1, startedHigh, woke)
	waitOrFail(t, startedHigh, "high to link")
	for q.Len() != 3 {
		runtime.Gosched()
	}

	assert.Equal(t, "high", q.WakeOne().Name())
	assert.Equal(t, "high", <-woke)
	assert.Equal(t, "mid", q.WakeOne().Name())
	assert.Equal(t, "mid", <-woke)
	assert.Equal(t, "low", q.WakeOne().Name())
	assert.Equal(t, "low", <-woke)
}

func TestQueue_WakeAllWakesEveryone(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, FIFO)
	s.BootCPU(0)

	woke := make(chan string, 2)
	s1 := make(chan struct{})
	s2 := make(chan struct{})
	spawnWaiter(t, s, q, "a", 10, s1, woke)
	waitOrFail(t, s1, "a to link")
	for q.Len() != 1 {
		runtime.Gosched()
	}
	spawnWaiter(t, s, q, "b", 10, s2, woke)
	waitOrFail(t, s2, "b to link")
	for q.Len() != 2 {
		runtime.Gosched()
	}

	assert.Equal(t, 2, q.WakeAll())
	assert.True(t, q.Empty())
	got := map[string]bool{<-woke: true, <-woke: true}
	assert.True(t, got["a"] && got["b"])
}

func TestQueue_WakeNWakesUpToLimit(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, FIFO)
	s.BootCPU(0)

	woke := make(chan string, 3)
	for _, name := range []string{"a", "b", "c"} {
		started := make(chan struct{})
		spawnWaiter(t, s, q, name, 10, started, woke)
		waitOrFail(t, started, name+" to link")
	}
	for q.Len() != 3 {
		runtime.Gosched()
	}

	assert.Equal(t, 2, q.WakeN(2))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "a", <-woke)
	assert.Equal(t, "b", <-woke)

	assert.Equal(t, 1, q.WakeN(5))
	assert.Equal(t, "c", <-woke)
}

func TestQueue_RemoveDetachesWithoutWaking(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, FIFO)
	s.BootCPU(0)

	started := make(chan struct{})
	var self *thread.Thread
	self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(started)
		q.Wait(self, nil)
	}}).Name("reneger").Priority(10).Build()
	s.Spawn(self)
	waitOrFail(t, started, "reneger to link")
	for q.Len() != 1 {
		runtime.Gosched()
	}

	q.Remove(self)
	assert.True(t, q.Empty())
	assert.Equal(t, thread.Suspended, self.State())
}

func TestQueue_PeekPriority(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, Priority)
	s.BootCPU(0)

	_, ok := q.PeekPriority()
	assert.False(t, ok)

	started := make(chan struct{})
	woke := make(chan string, 1)
	spawnWaiter(t, s, q, "w", 7, started, woke)
	waitOrFail(t, started, "w to link")
	for q.Len() != 1 {
		runtime.Gosched()
	}

	p, ok := q.PeekPriority()
	assert.True(t, ok)
	assert.Equal(t, uint32(7), p)

	q.WakeOne()
	<-woke
}

func TestQueue_WaitTimeoutFiresWhenNeverWoken(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, FIFO)
	wheel := timer.NewWheel(8, irqs)
	s.BootCPU(0)

	done := make(chan bool, 1)
	var self *thread.Thread
	self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		done <- q.WaitTimeout(self, wheel, 3, nil)
	}}).Name("waiter").Priority(10).Build()
	s.Spawn(self)

	for q.Len() != 1 {
		runtime.Gosched()
	}
	for i := 0; i < 3; i++ {
		wheel.Tick()
	}

	select {
	case woken := <-done:
		assert.False(t, woken, "deadline elapsed with nobody waking it: WaitTimeout must report timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTimeout never returned after its deadline ticked")
	}
	assert.True(t, q.Empty(), "the firing timer must unlink the waiter itself")
}

func TestQueue_WaitTimeoutLosesRaceToExplicitWake(t *testing.T) {
	s, irqs := newTestScheduler(t)
	q := New(s, irqs, FIFO)
	wheel := timer.NewWheel(8, irqs)
	s.BootCPU(0)

	done := make(chan bool, 1)
	var self *thread.Thread
	self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		done <- q.WaitTimeout(self, wheel, 1000, nil)
	}}).Name("waiter").Priority(10).Build()
	s.Spawn(self)

	for q.Len() != 1 {
		runtime.Gosched()
	}
	woken := q.WakeOne()
	require.Same(t, self, woken)

	select {
	case ok := <-done:
		assert.True(t, ok, "an explicit wake that won the CAS race must report woken, not timed out")
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTimeout never returned after being woken")
	}
}

func TestCondvar_SignalWakesOne(t *testing.T) {
	s, irqs := newTestScheduler(t)
	c := NewCondvar(s, irqs)
	s.BootCPU(0)

	released := make(chan struct{})
	reacquired := make(chan struct{})
	var self *thread.Thread
	self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		c.Wait(self, func() { close(released) }, func() { close(reacquired) })
	}}).Name("waiter").Priority(10).Build()
	s.Spawn(self)

	waitOrFail(t, released, "condvar Wait to release the external lock")
	for c.q.Len() != 1 {
		runtime.Gosched()
	}

	c.Signal()
	waitOrFail(t, reacquired, "condvar Wait to reacquire after being signaled")
}

func TestCondvar_BroadcastWakesAll(t *testing.T) {
	s, irqs := newTestScheduler(t)
	c := NewCondvar(s, irqs)
	s.BootCPU(0)

	var reacquired [2]chan struct{}
	for i := range reacquired {
		reacquired[i] = make(chan struct{})
	}
	for i := 0; i < 2; i++ {
		i := i
		var self *thread.Thread
		self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
			c.Wait(self, func() {}, func() { close(reacquired[i]) })
		}}).Name("waiter").Priority(10).Build()
		s.Spawn(self)
	}

	for c.q.Len() != 2 {
		runtime.Gosched()
	}
	c.Broadcast()
	waitOrFail(t, reacquired[0], "first waiter to reacquire")
	waitOrFail(t, reacquired[1], "second waiter to reacquire")
}
