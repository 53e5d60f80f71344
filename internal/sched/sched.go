// Package sched is the core scheduler (spec §4.7, L7): the priority
// ready table, the per-CPU dispatch loop, and the cooperative-preemption
// protocol that stands in for a real interrupt-driven context switch.
//
// Every simulated CPU is, at any instant, "owned" by exactly one thread's
// goroutine: the baton is passed by switchTo (wake the next thread, then
// the previous one parks on its own Wake channel) so that only one
// thread's kernel-visible code runs per CPU at a time, even though the Go
// runtime is free to schedule any number of parked goroutines' stacks in
// memory simultaneously. A goroutine cannot be suspended mid-instruction
// from the outside the way a real ISR preempts a running thread, so this
// core cannot reproduce literal sub-instruction preemption; instead,
// preemption is requested (Resume, Tick) and serviced the next time the
// running thread reaches a safe point — PollPreempt, which every blocking
// kernel primitive and the tick ISR tail call. Thread bodies with long
// interrupt-free loops are expected to call PollPreempt themselves, the
// simulated-arch equivalent of a hardware interrupt landing mid-loop.
package sched

import (
	"math/bits"
	"sync/atomic"

	"github.com/zhanghe-vivo/kernel-sub004/internal/arch"
	"github.com/zhanghe-vivo/kernel-sub004/internal/ilist"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kconfig"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
)

const numPriorities = 32

// readyTable is the protected payload behind tableLock: one FIFO queue per
// priority level plus a bitmask of non-empty queues, giving NextReady a
// O(1) highest-priority lookup via bits.TrailingZeros32 (spec §4.7's
// "bitmap-accelerated ready queue").
type readyTable struct {
	queues [numPriorities]*ilist.List[thread.Thread]
	active uint32
}

// cpuState is one simulated CPU's scheduling bookkeeping.
type cpuState struct {
	current        atomic.Pointer[thread.Thread]
	preemptPending atomic.Bool
}

// Scheduler owns the ready table, the per-CPU state, the global thread
// registry, and the zombie list awaiting reclamation.
type Scheduler struct {
	cfg  kconfig.Config
	arch *arch.Port
	irqs *irq.Core

	table *spinlock.RWSpinLock[readyTable]
	cpus  []*cpuState
	idle  []*thread.Thread

	global  *spinlock.RWSpinLock[*ilist.List[thread.Thread]]
	zombies *spinlock.RWSpinLock[*ilist.List[thread.Thread]]

	dispatchHook func(*thread.Thread)
}

// SetDispatchHook installs fn to run immediately after a thread is
// dispatched RUNNING and has rebound its CPU, but before it resumes its
// own code — the hook internal/signal uses for DispatchPending (spec
// §4.11). fn must not block or call back into the scheduler.
func (s *Scheduler) SetDispatchHook(fn func(*thread.Thread)) {
	s.dispatchHook = fn
}

// New builds a Scheduler for the given config, arch port and IRQ core.
// idle must supply exactly one idle-kind thread per configured CPU,
// already built but not yet spawned; New puts each directly into the
// RUNNING state for its CPU, matching spec §4.6's idle-thread bootstrap
// (idle threads are never queued in the ready table — NextReady falling
// through to nil is precisely "run this CPU's idle thread").
func New(cfg kconfig.Config, port *arch.Port, irqs *irq.Core, idle []*thread.Thread) *Scheduler {
	if len(idle) != cfg.NumCores {
		kerr.Fatal("sched: one idle thread required per configured core", nil)
	}
	s := &Scheduler{
		cfg:     cfg,
		arch:    port,
		irqs:    irqs,
		table:   spinlock.New[readyTable](irqs, readyTable{}),
		cpus:    make([]*cpuState, cfg.NumCores),
		idle:    idle,
		global:  spinlock.New[*ilist.List[thread.Thread]](irqs, ilist.New[thread.Thread](thread.GlobalAdapter)),
		zombies: spinlock.New[*ilist.List[thread.Thread]](irqs, ilist.New[thread.Thread](thread.GlobalAdapter)),
	}
	for i := range s.cpus {
		s.cpus[i] = &cpuState{}
	}
	for _, t := range idle {
		t.ForceState(thread.Ready)
		s.addGlobal(t)
	}
	return s
}

func (s *Scheduler) addGlobal(t *thread.Thread) {
	g := s.global.IRQSaveLock()
	(*g.Value()).PushBack(t)
	g.Unlock()
}

// Spawn admits a freshly built (CREATED) thread into the scheduler,
// making it eligible to run.
func (s *Scheduler) Spawn(t *thread.Thread) {
	if !t.TransitionState(thread.Created, thread.Ready) {
		kerr.Fatal("sched: Spawn requires a CREATED thread", nil)
	}
	s.addGlobal(t)
	s.queueReady(t)
	s.requestPreemptIfHigher(t)
}

// pushLocked links t into the ready table. Caller holds the table lock.
func pushLocked(tbl *readyTable, t *thread.Thread) {
	pri := t.Priority()
	if int(pri) >= numPriorities {
		pri = numPriorities - 1
	}
	q := tbl.queues[pri]
	if q == nil {
		q = ilist.New[thread.Thread](thread.SchedAdapter)
		tbl.queues[pri] = q
	}
	q.PushBack(t)
	tbl.active |= 1 << pri
}

// popLocked removes and returns the highest-priority thread eligible to
// run on cpu (honoring per-thread CPU affinity), or nil if none is ready.
// Caller holds the table lock.
func popLocked(tbl *readyTable, cpu int) *thread.Thread {
	active := tbl.active
	for active != 0 {
		pri := bits.TrailingZeros32(active)
		q := tbl.queues[pri]
		var picked *thread.Thread
		q.Iter(func(cand *thread.Thread) bool {
			if b := cand.BoundCPU(); b < 0 || int(b) == cpu {
				picked = cand
				return false
			}
			return true
		})
		if picked != nil {
			q.Detach(picked)
			if q.Empty() {
				tbl.active &^= 1 << uint(pri)
			}
			return picked
		}
		active &^= 1 << uint(pri)
	}
	return nil
}

// queueReady links t into the ready table under its own lock acquisition.
// Used by Spawn/Resume, where no simultaneous pop is needed.
func (s *Scheduler) queueReady(t *thread.Thread) {
	g := s.table.IRQSaveLock()
	pushLocked(g.Value(), t)
	g.Unlock()
}

// popReady removes and returns the highest-priority thread eligible to run
// on cpu, under its own lock acquisition.
func (s *Scheduler) popReady(cpu int) *thread.Thread {
	g := s.table.IRQSaveLock()
	defer g.Unlock()
	return popLocked(g.Value(), cpu)
}

// requeueAndPick atomically (under one table-lock acquisition) re-links
// self into the ready table and pops the next thread eligible to run on
// cpu. Holding the lock across both halves is what closes the window a
// two-call push-then-pop would otherwise leave open: with separate calls,
// another CPU's concurrent dispatch could steal self between them.
func (s *Scheduler) requeueAndPick(self *thread.Thread, cpu int) *thread.Thread {
	g := s.table.IRQSaveLock()
	defer g.Unlock()
	tbl := g.Value()
	pushLocked(tbl, self)
	return popLocked(tbl, cpu)
}

// requestPreemptIfHigher flags every CPU currently running something at or
// below t's priority (or idling) so the next PollPreempt/Tick on that CPU
// yields to t — spec §4.7's cross-CPU "a higher-priority thread became
// ready" notification, approximated without a real IPI.
func (s *Scheduler) requestPreemptIfHigher(t *thread.Thread) {
	for cpu, cs := range s.cpus {
		cur := cs.current.Load()
		if cur == nil {
			continue
		}
		if b := t.BoundCPU(); b >= 0 && int(b) != cpu {
			continue
		}
		if cur.Kind() == thread.Idle || t.Priority() < cur.Priority() {
			cs.preemptPending.Store(true)
		}
	}
}

// switchTo installs next as cpu's running thread and hands it the baton.
// It never blocks: the wake channel is buffered, and the goroutine launch
// for a never-yet-run thread is asynchronous.
func (s *Scheduler) switchTo(cpu int, next *thread.Thread) {
	next.ForceState(thread.Running)
	s.cpus[cpu].current.Store(next)
	next.SetAssignedCPU(cpu)
	if next.MarkStarted() {
		go s.runThread(next)
	}
	next.Wake <- struct{}{}
}

// runThread is the body every thread's dedicated goroutine runs exactly
// once: wait for the first baton handoff, execute the thread's entry, then
// retire it. Every later suspend/resume cycle reuses park, not this
// goroutine launch.
func (s *Scheduler) runThread(t *thread.Thread) {
	<-t.Wake
	s.arch.BindCurrentGoroutine(int(t.AssignedCPU()))
	if s.dispatchHook != nil {
		s.dispatchHook(t)
	}
	t.Run()
	s.retire(t)
}

// park blocks the calling thread's goroutine on its own Wake channel until
// some future switchTo resumes it, rebinding the arch port on wake-up.
func (s *Scheduler) park(t *thread.Thread) {
	s.arch.Unbind()
	<-t.Wake
	s.arch.BindCurrentGoroutine(int(t.AssignedCPU()))
	if s.dispatchHook != nil {
		s.dispatchHook(t)
	}
}

func (s *Scheduler) pickNextOrIdle(cpu int) *thread.Thread {
	if next := s.popReady(cpu); next != nil {
		return next
	}
	return s.idle[cpu]
}

// BootCPU performs the one-shot switch from a CPU's boot stack to its
// first scheduled thread (spec §4.1's "context_switch_to — one-shot
// variant used for the first switch from the boot stack; does not save").
// The calling goroutine's own stack is never resumed as kernel code again.
func (s *Scheduler) BootCPU(cpu int) {
	s.arch.BindCurrentGoroutine(cpu)
	s.switchTo(cpu, s.pickNextOrIdle(cpu))
}

// Yield voluntarily gives up the remainder of the calling thread's time
// slice to the next ready thread at the same or higher priority (spec
// §4.7). No-op if called from a thread the scheduler does not currently
// believe is RUNNING on its CPU (defensive against misuse from IRQ
// context, where Yield is meaningless).
func (s *Scheduler) Yield() {
	cpu := s.arch.CurrentCPU()
	if cpu < 0 {
		return
	}
	self := s.cpus[cpu].current.Load()
	if self == nil || !self.TransitionState(thread.Running, thread.Ready) {
		return
	}
	self.ResetSlice()
	var next *thread.Thread
	if self.Kind() != thread.Idle {
		next = s.requeueAndPick(self, cpu)
	} else {
		self.ForceState(thread.Ready)
		next = s.popReady(cpu)
	}
	if next == nil {
		next = s.idle[cpu]
	}
	s.switchTo(cpu, next)
	s.park(self)
}

// ParkSuspended gives up the calling thread's CPU, assuming the caller has
// already transitioned its state to SUSPENDED and linked it onto whatever
// wait structure will later call Resume — both while still holding the
// object's own protecting lock, released only after (spec §4.7/§9's
// unlock-hook point). Doing the CAS before the lock is dropped, rather
// than inside this call, is what closes the lost-wakeup window: a
// concurrent waker cannot acquire that lock — and therefore cannot
// observe the waiter or attempt Resume's CAS — until the state flip has
// already happened.
func (s *Scheduler) ParkSuspended(t *thread.Thread) {
	if t.State() != thread.Suspended {
		// A zero-or-near-zero-tick timeout (or an extremely fast
		// concurrent waker on another CPU) can resume t before its own
		// goroutine reaches this call. Rather than assert-crash on that
		// narrow race, treat it as an instant wake: t keeps running
		// without ever truly giving up its CPU. Known simplification of
		// the simulated multi-CPU model — see DESIGN.md.
		return
	}
	cpu := s.arch.CurrentCPU()
	s.switchTo(cpu, s.pickNextOrIdle(cpu))
	s.park(t)
}

// Block is a convenience wrapper for callers with no separate object lock
// to interleave with: it performs the RUNNING -> SUSPENDED transition
// itself, then parks. Anything that must link the thread onto a wait
// structure first should do that, and the state transition, itself — see
// ParkSuspended.
func (s *Scheduler) Block(t *thread.Thread) {
	if !t.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("sched: Block requires the calling thread to be RUNNING", nil)
	}
	s.ParkSuspended(t)
}

// Resume transitions t SUSPENDED -> READY and requeues it, returning false
// if t was not SUSPENDED (the caller lost a race against a timeout or a
// concurrent wake — spec §4.8's double-wake guard). On success, it flags
// any CPU now running something lower priority than t for preemption.
func (s *Scheduler) Resume(t *thread.Thread) bool {
	if !t.TransitionState(thread.Suspended, thread.Ready) {
		return false
	}
	s.queueReady(t)
	s.requestPreemptIfHigher(t)
	return true
}

// PollPreempt services a pending preemption request for the calling CPU,
// if one exists. Every blocking kernel primitive, and any thread body with
// a long interrupt-free loop, must call this at a safe point — the
// simulated-arch stand-in for an ISR tail reschedule (spec §4.1, §4.7).
func (s *Scheduler) PollPreempt() {
	cpu := s.arch.CurrentCPU()
	if cpu < 0 {
		return
	}
	cs := s.cpus[cpu]
	if !cs.preemptPending.CompareAndSwap(true, false) {
		return
	}
	self := cs.current.Load()
	if self == nil || self.Kind() == thread.Idle {
		return
	}
	if !self.TransitionState(thread.Running, thread.Ready) {
		return
	}
	// requeueAndPick holds the table lock across both the push and the
	// pop, so self — just pushed at its own priority — is guaranteed to
	// be the thread popLocked returns unless something strictly better
	// (or equal, ahead of it in FIFO order) is already waiting: no other
	// CPU can observe or steal self in the gap, because there is no gap.
	next := s.requeueAndPick(self, cpu)
	if next == nil {
		next = s.idle[cpu]
	}
	s.switchTo(cpu, next)
	s.park(self)
}

// Tick accounts one timer tick against cpu's currently running thread,
// flagging a preemption request if its slice is exhausted (spec §4.3/§4.7
// round-robin tick-slice accounting). Idle threads never consume slice.
func (s *Scheduler) Tick(cpu int) {
	cs := s.cpus[cpu]
	self := cs.current.Load()
	if self == nil || self.Kind() == thread.Idle {
		return
	}
	if self.DecrementSlice() {
		self.ResetSlice()
		cs.preemptPending.Store(true)
	}
}

// Current returns the thread currently dispatched on cpu, or nil.
func (s *Scheduler) Current(cpu int) *thread.Thread {
	if cpu < 0 || cpu >= len(s.cpus) {
		return nil
	}
	return s.cpus[cpu].current.Load()
}

// retire is called by runThread once a thread's entry body returns: it
// moves the thread to RETIRED, runs its cleanup hook, defers its
// reclamation to the zombie list (spec §4.6 — a thread never frees its own
// stack while still executing on it), and switches the CPU away.
func (s *Scheduler) retire(t *thread.Thread) {
	t.ForceState(thread.Retired)
	t.Cleanup()
	g := s.zombies.IRQSaveLock()
	(*g.Value()).PushBack(t)
	g.Unlock()

	cpu := s.arch.CurrentCPU()
	s.arch.Unbind()
	if cpu >= 0 {
		s.switchTo(cpu, s.pickNextOrIdle(cpu))
	}
}

// ReapZombies drains the zombie list, releasing each thread's strong
// reference count (spec §4.4/§4.6's deferred-free reaper, grounded on the
// original's zombie-list sweep). Returns the number reaped. Intended to be
// called periodically by a dedicated low-priority system thread.
func (s *Scheduler) ReapZombies() int {
	g := s.zombies.IRQSaveLock()
	defer g.Unlock()
	lst := *g.Value()
	n := 0
	for {
		t := lst.PopFront()
		if t == nil {
			break
		}
		t.Release()
		n++
	}
	return n
}

// Threads returns every thread currently registered in the global list,
// for diagnostics/procfs (spec §3's global thread list).
func (s *Scheduler) Threads() []*thread.Thread {
	g := s.global.RLock()
	defer g.Unlock()
	var out []*thread.Thread
	(*g.Value()).Iter(func(t *thread.Thread) bool {
		out = append(out, t)
		return true
	})
	return out
}
