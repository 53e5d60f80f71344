// Package kernel is the Go-native analogue of spec §6's boot sequence:
// `_start` → zero `.bss` → run init-array constructors → `board_init` →
// heap init → scheduler init → spawn idle threads per CPU and a
// soft-timer thread → `start_schedule(schedule)`. Board bring-up, heap
// allocators, and the init-array/linker-symbol machinery are explicit
// Non-goals (spec §1); this package wires together only the kernel-core
// collaborators spec §2's table actually specifies.
package kernel

import (
	"github.com/zhanghe-vivo/kernel-sub004/internal/arch"
	"github.com/zhanghe-vivo/kernel-sub004/internal/futex"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kconfig"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/signal"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
)

const (
	tickVector     = 0
	softTimerSlice = 4
)

// Kernel bundles the one-per-boot instances of every kernel-core
// collaborator (spec §3's "process-wide singletons with init_once
// lifecycles driven by a staged boot").
type Kernel struct {
	Config kconfig.Config
	Arch   *arch.Port
	IRQ    *irq.Core
	Sched  *sched.Scheduler
	Wheel  *timer.Wheel
	Futex  *futex.Table
	Signal *signal.Table

	softTimerStop chan struct{}
	zombieStop    chan struct{}
}

// Boot constructs every kernel-core singleton for cfg and returns the
// not-yet-scheduling Kernel. It does not start any CPU — call
// StartSchedule once any app threads the caller wants present at boot
// have been created with Spawn.
func Boot(cfg kconfig.Config) *Kernel {
	port := arch.New(cfg.NumCores)
	irqs := irq.New(port, cfg.NumCores)
	wheel := timer.NewWheel(timer.DefaultWheelSize, irqs)

	// idle bodies loop on Yield, not PollPreempt: PollPreempt is the
	// safe point a RUNNING thread calls to notice it's been asked to
	// give up the CPU, and it deliberately no-ops when the caller is
	// the idle thread itself (idle is never queued in the ready table,
	// so there's nothing for the generic preempt-and-requeue path to
	// do with it). Yield special-cases Kind() == Idle: pop the next
	// ready thread if one exists, otherwise fall straight back to idle.
	var s *sched.Scheduler
	idle := make([]*thread.Thread, cfg.NumCores)
	for i := range idle {
		idle[i] = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
			for {
				// UP builds have no dedicated zombie-reaper thread
				// (StartSchedule only spawns one when cfg.SMP); idle
				// reclaims retired threads itself between dispatches
				// instead.
				if !cfg.SMP {
					s.ReapZombies()
				}
				s.Yield()
			}
		}}).
			Name("idle").
			Kind(thread.Idle).
			Priority(cfg.MaxThreadPriority + 1).
			BoundCPU(i).
			Build()
	}

	s = sched.New(cfg, port, irqs, idle)
	sigs := signal.NewTable(s)
	s.SetDispatchHook(sigs.DispatchPending)

	ft := futex.NewTable(s, irqs)

	k := &Kernel{
		Config:        cfg,
		Arch:          port,
		IRQ:           irqs,
		Sched:         s,
		Wheel:         wheel,
		Futex:         ft,
		Signal:        sigs,
		softTimerStop: make(chan struct{}),
		zombieStop:    make(chan struct{}),
	}
	irqs.Register(tickVector, k.onTick)
	return k
}

// onTick is the per-tick ISR body spec §4.3 describes: advance the
// wheel (firing due timers) and account the running thread's slice.
// Dispatch invokes this with no arguments (spec §9's fixed-function-
// pointer dynamic dispatch), so the firing CPU is recovered from the
// arch port rather than threaded through the handler signature.
func (k *Kernel) onTick() {
	k.Wheel.Tick()
	if cpu := k.Arch.CurrentCPU(); cpu >= 0 {
		k.Sched.Tick(cpu)
	}
}

// Tick drives one hardware-timer interrupt on cpu (spec §4.3's tick
// ISR): fires due timers, accounts the slice, then services any
// reschedule request raised by either at the ISR tail.
func (k *Kernel) Tick(cpu int) {
	k.IRQ.Dispatch(tickVector)
	k.Sched.PollPreempt()
}

// Spawn admits t into the scheduler as READY, before or after
// StartSchedule has run (spec §4.6's Builder.start()).
func (k *Kernel) Spawn(t *thread.Thread) {
	k.Sched.Spawn(t)
}

// systemThread builds and spawns one of the kernel's own worker threads
// (soft-timer runner, zombie reaper) at the given priority, tagged
// SystemDaemon so diagnostics and the idle-vs-SMP reaper split (spec
// §4.7) can distinguish it from ordinary application threads.
func (k *Kernel) systemThread(name string, priority uint32, body func()) *thread.Thread {
	t := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: body}).
		Name(name).
		Kind(thread.SystemDaemon).
		Priority(priority).
		TickSlice(softTimerSlice).
		Build()
	k.Spawn(t)
	return t
}

// StartSchedule performs the one-shot switch from the boot stack to the
// first scheduled thread on every configured CPU (spec §6's
// `start_schedule(schedule)`). apps are additional application entry
// points spawned as Normal threads before boot hands off, modeling
// `.bk_app_array`'s function pointers (spec §6) without the linker
// machinery that feature relies on in the original.
//
// It also spawns the soft-timer thread (spec §4.3) and, on SMP builds, a
// dedicated zombie-reaper thread (spec §4.7/glossary); uniprocessor
// builds reap zombies from the idle thread's own loop instead, so no
// extra system thread is needed there.
func (k *Kernel) StartSchedule(apps ...func()) {
	k.systemThread("soft-timer", 0, func() {
		k.Wheel.RunSoftTimers(k.softTimerStop)
	})
	if k.Config.SMP {
		k.systemThread("zombie-reaper", k.Config.MaxThreadPriority, func() {
			for {
				select {
				case <-k.zombieStop:
					return
				default:
				}
				if k.Sched.ReapZombies() == 0 {
					k.Sched.Yield()
				}
			}
		})
	}
	for _, app := range apps {
		fn := app
		t := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: fn}).
			Name("app").
			Kind(thread.Normal).
			Priority(k.Config.MaxThreadPriority / 2).
			TickSlice(softTimerSlice).
			Build()
		k.Spawn(t)
	}
	for cpu := 0; cpu < k.Config.NumCores; cpu++ {
		k.Sched.BootCPU(cpu)
	}
}

// Shutdown stops the soft-timer and zombie-reaper system threads. It
// does not stop any application thread or unwind any running CPU —
// there is no hard-power-management Non-goal workaround for that in
// this core (spec §1).
func (k *Kernel) Shutdown() {
	close(k.softTimerStop)
	if k.Config.SMP {
		close(k.zombieStop)
	}
}
