// Package signal implements thread-directed signals (spec §4.11, L11):
// a per-thread pending bitset (thread.Thread.RaiseSignal/PendingSignals),
// Raise to set a bit and interrupt an interruptible wait with EINTR, and
// DispatchPending — the hook internal/sched calls immediately after a
// thread is picked RUNNING and before its first resumed instruction runs
// — to deliver every still-pending signal to its registered handler.
package signal

import (
	"math/bits"

	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
)

const MaxSignal = 32

// Handler is invoked once per pending signal bit at dispatch time.
type Handler func(t *thread.Thread, sig uint32)

// Table holds the kernel-wide signal number -> handler mapping. There is
// one Table per kernel instance, set up during boot before any thread
// runs, so no locking is needed for lookups.
type Table struct {
	handlers [MaxSignal]Handler
	sched    *sched.Scheduler
}

// NewTable builds an empty signal dispatch table.
func NewTable(s *sched.Scheduler) *Table {
	return &Table{sched: s}
}

// Register installs h as sig's handler, overwriting any previous one.
func (tb *Table) Register(sig uint32, h Handler) {
	tb.handlers[sig] = h
}

// Raise sets sig pending on t. If t is currently SUSPENDED, it is
// resumed immediately with EINTR — the "interrupt an interruptible
// wait" half of spec §4.11; threads not currently waiting simply pick up
// the pending bit the next time they're dispatched (DispatchPending).
//
// Every SUSPENDED state in this core is an interruptible wait: there is
// no non-interruptible primitive anywhere in the kernel for Raise to
// have to leave alone (see DESIGN.md's L11 entry), so no separate mode
// bit is tracked on Thread.
func (tb *Table) Raise(t *thread.Thread, sig uint32) {
	t.RaiseSignal(sig)
	if t.State() == thread.Suspended {
		t.SetErrno(kerr.EINTR)
		tb.sched.Resume(t)
	}
}

// DispatchPending delivers every currently-pending signal on t to its
// registered handler (bits with no handler registered are simply
// cleared), in ascending signal-number order. Called by internal/sched
// right after t is picked RUNNING, before resuming t's own code — the
// simulated analogue of "run on the alternate signal stack before the
// saved PC executes".
func (tb *Table) DispatchPending(t *thread.Thread) {
	for {
		mask := t.PendingSignals()
		if mask == 0 {
			return
		}
		sig := uint32(bits.TrailingZeros32(mask))
		if h := tb.handlers[sig]; h != nil {
			h(t, sig)
		}
		t.ClearSignal(sig)
	}
}
