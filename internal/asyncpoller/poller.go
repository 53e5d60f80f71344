// Package asyncpoller implements the optional async poller (spec §4.12,
// L12): a single max-priority thread that repeatedly polls a set of
// level-triggered tasklets to completion, and a BlockOn helper that lets
// an ordinary thread suspend until its own tasklet reports done.
//
// The double-buffered active/spare queue swap is grounded directly on
// the retrieved eventloop teacher's Loop.auxJobs/auxJobsSpare pattern
// (eventloop/loop.go): producers append to the active queue under the
// poller's lock; the poller's own run loop swaps the active and spare
// queue pointers under that same lock and then iterates the (now
// unshared) former-active queue without holding the lock, so Spawn never
// blocks on a slow tasklet body.
package asyncpoller

import (
	"github.com/zhanghe-vivo/kernel-sub004/internal/ilist"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
)

// Tasklet is one level-triggered unit of poll work: Poll runs fn
// repeatedly (once per poller cycle) until it reports done, then (if
// caller is non-nil) resumes the blocked caller.
type Tasklet struct {
	link ilist.Link[Tasklet]

	fn     func() bool
	caller *thread.Thread
}

var linkAdapter ilist.AdapterFunc[Tasklet] = func(t *Tasklet) *ilist.Link[Tasklet] { return &t.link }

type pollerState struct {
	active *ilist.List[Tasklet]
	spare  *ilist.List[Tasklet]
}

// Poller owns the single AsyncPoller-kind thread and its tasklet queues.
type Poller struct {
	sched *sched.Scheduler
	state *spinlock.RWSpinLock[*pollerState]
	self  *thread.Thread
	stop  chan struct{}
}

// New builds a Poller. self must be a Kind=AsyncPoller thread, already
// spawned at the configured maximum priority (spec §4.12); Run must be
// invoked as that thread's entry point.
func New(s *sched.Scheduler, irqs *irq.Core, self *thread.Thread) *Poller {
	return &Poller{
		sched: s,
		state: spinlock.New[*pollerState](irqs, &pollerState{
			active: ilist.New[Tasklet](linkAdapter),
			spare:  ilist.New[Tasklet](linkAdapter),
		}),
		self: self,
		stop: make(chan struct{}),
	}
}

// Spawn enqueues a level-triggered tasklet: fn is polled once per cycle
// until it returns true.
func (p *Poller) Spawn(fn func() bool) {
	p.enqueue(&Tasklet{fn: fn})
}

func (p *Poller) enqueue(t *Tasklet) {
	g := p.state.IRQSaveLock()
	(*g.Value()).active.PushBack(t)
	g.Unlock()
}

// BlockOn binds the calling thread to a tasklet running fn, suspends the
// caller, and lets the poller resume it once fn first reports done.
func (p *Poller) BlockOn(self *thread.Thread, fn func() bool) kerr.Errno {
	t := &Tasklet{fn: fn, caller: self}
	if !self.TransitionState(thread.Running, thread.Suspended) {
		kerr.Fatal("asyncpoller: BlockOn requires the calling thread to be RUNNING", nil)
	}
	self.SetErrno(kerr.EOK)
	p.enqueue(t)
	p.sched.ParkSuspended(self)
	return self.Errno()
}

// Run is the poller thread's entry point: swap the active/spare queues,
// drain the (now-private) former-active queue once per cycle, forever,
// yielding between cycles so the poller never starves lower-priority
// threads despite running at max priority.
func (p *Poller) Run() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		p.runCycle()
		p.sched.Yield()
	}
}

func (p *Poller) runCycle() {
	g := p.state.IRQSaveLock()
	st := *g.Value()
	jobs := st.active
	st.active = st.spare
	st.spare = jobs
	g.Unlock()

	var requeue []*Tasklet
	jobs.Iter(func(t *Tasklet) bool {
		if t.fn == nil || t.fn() {
			if t.caller != nil {
				p.sched.Resume(t.caller)
			}
		} else {
			requeue = append(requeue, t)
		}
		return true
	})
	for jobs.Len() > 0 {
		jobs.PopFront()
	}
	for _, t := range requeue {
		p.enqueue(t)
	}
}

// Stop ends the poller's Run loop after its current cycle.
func (p *Poller) Stop() { close(p.stop) }
