package sched

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanghe-vivo/kernel-sub004/internal/arch"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kconfig"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
)

// newTestScheduler builds a single idle thread per CPU whose body loops on
// Yield — the path that special-cases an idle caller (pop the next ready
// thread if one exists, else fall straight back to idle) — rather than
// PollPreempt, which deliberately no-ops when the calling thread is Idle.
func newTestScheduler(t *testing.T, numCores int) (*Scheduler, []*thread.Thread) {
	t.Helper()
	cfg, err := kconfig.New(kconfig.WithNumCores(numCores))
	require.NoError(t, err)
	port := arch.New(numCores)
	irqs := irq.New(port, numCores)

	var s *Scheduler
	idle := make([]*thread.Thread, numCores)
	for i := range idle {
		i := i
		idle[i] = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
			for {
				s.Yield()
			}
		}}).Name("idle").Kind(thread.Idle).Priority(31).BoundCPU(i).Build()
	}
	s = New(cfg, port, irqs, idle)
	return s, idle
}

func waitOrFail(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestScheduler_New_PanicsOnIdleCountMismatch(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(2))
	require.NoError(t, err)
	port := arch.New(2)
	irqs := irq.New(port, 2)
	one := []*thread.Thread{thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {}}).Kind(thread.Idle).Build()}

	assert.Panics(t, func() {
		_ = New(cfg, port, irqs, one)
	})
}

func TestScheduler_BootCPU_RunsSpawnedThreadOverIdle(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	started := make(chan struct{})
	hold := make(chan struct{})
	self := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(started)
		<-hold
	}}).Name("worker").Priority(10).Build()

	s.Spawn(self)
	s.BootCPU(0)

	waitOrFail(t, started, "worker thread to start")
	assert.Same(t, self, s.Current(0))
	assert.Equal(t, thread.Running, self.State())

	close(hold)
}

func TestScheduler_PriorityPreemption(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	lowStarted := make(chan struct{})
	lowStop := make(chan struct{})
	low := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(lowStarted)
		for {
			select {
			case <-lowStop:
				return
			default:
			}
			s.PollPreempt()
			runtime.Gosched()
		}
	}}).Name("low").Priority(20).Build()

	highStarted := make(chan struct{})
	highHold := make(chan struct{})
	high := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(highStarted)
		<-highHold
	}}).Name("high").Priority(5).Build()

	s.Spawn(low)
	s.BootCPU(0)
	waitOrFail(t, lowStarted, "low-priority thread to start")
	require.Same(t, low, s.Current(0))

	s.Spawn(high)
	waitOrFail(t, highStarted, "high-priority thread to preempt low")
	assert.Same(t, high, s.Current(0))
	assert.Equal(t, thread.Ready, low.State())

	close(highHold)
	close(lowStop)
}

func TestScheduler_BlockAndResume(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	started := make(chan struct{})
	resumed := make(chan struct{})
	var self *thread.Thread
	self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(started)
		s.Block(self)
		close(resumed)
	}}).Name("blocker").Priority(10).Build()

	s.Spawn(self)
	s.BootCPU(0)
	waitOrFail(t, started, "blocker thread to start")

	for self.State() != thread.Suspended {
		runtime.Gosched()
	}

	assert.True(t, s.Resume(self))
	waitOrFail(t, resumed, "blocker thread to resume")

	// a second Resume against an already-READY/RUNNING thread loses the race.
	assert.False(t, s.Resume(self))
}

func TestScheduler_YieldRoundRobinsEqualPriority(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	var order []string
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	aStarted := make(chan struct{})

	a := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		order = append(order, "a")
		close(aStarted)
		s.Yield()
		order = append(order, "a2")
		close(doneA)
	}}).Name("a").Priority(15).Build()

	b := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		<-aStarted
		order = append(order, "b")
		close(doneB)
	}}).Name("b").Priority(15).Build()

	s.Spawn(a)
	s.Spawn(b)
	s.BootCPU(0)

	waitOrFail(t, doneA, "thread a to finish")
	waitOrFail(t, doneB, "thread b to finish")
	assert.Equal(t, []string{"a", "b", "a2"}, order)
}

func TestScheduler_TickExhaustsSliceAndFlagsPreemption(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	started := make(chan struct{})
	proceed := make(chan struct{})
	low := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(started)
		<-proceed
	}}).Name("low").Priority(20).TickSlice(1).Build()

	s.Spawn(low)
	s.BootCPU(0)
	waitOrFail(t, started, "low thread to start")
	require.Same(t, low, s.Current(0))

	// a single tick with TickSlice(1) exhausts the slice immediately. low is
	// blocked on proceed rather than polling, so nothing can race the flag
	// before this assertion observes it.
	assert.False(t, s.cpus[0].preemptPending.Load())
	s.Tick(0)
	assert.True(t, s.cpus[0].preemptPending.Load())

	close(proceed)
}

func TestScheduler_ReapZombiesReclaimsRetiredThreads(t *testing.T) {
	s, _ := newTestScheduler(t, 1)

	done := make(chan struct{})
	self := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(done)
	}}).Name("ephemeral").Priority(10).Build()

	s.Spawn(self)
	s.BootCPU(0)
	waitOrFail(t, done, "ephemeral thread to run to completion")

	for self.State() != thread.Retired {
		runtime.Gosched()
	}

	n := s.ReapZombies()
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(0), self.StrongCount())
}

func TestScheduler_CurrentOutOfRangeCPU(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	assert.Nil(t, s.Current(-1))
	assert.Nil(t, s.Current(5))
}

func TestScheduler_BlockRequiresRunningState(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	fresh := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {}}).Build()
	assert.Panics(t, func() {
		s.Block(fresh)
	})
}
