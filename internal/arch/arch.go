// Package arch is the simulated architecture port (spec §4.1, L1).
//
// This core has no silicon underneath it in this exercise (see
// SPEC_FULL.md's note on the simulated-architecture model): each
// configured CPU is driven by its own goroutine, a "thread" is also a
// goroutine parked on a buffered wake channel when SUSPENDED, and
// "current CPU" is derived the same way the retrieved eventloop teacher
// derives "are we on the loop goroutine" — by parsing the goroutine id
// out of runtime.Stack, the only portable way to obtain it without a
// cgo/assembly shim (eventloop/loop.go's getGoroutineID/isLoopThread).
//
// A buffered (size 1) wake channel gives park/wake the same no-lost-
// wakeup guarantee spec §4.7's unlock-hook exists to provide in a real
// kernel: the waker's send never blocks and is never missed even if it
// lands before the parking goroutine reaches its receive, because the
// state transition to SUSPENDED (under the object's lock, spec §4.8
// step 3) always happens-before the lock is released and the receive is
// reached. internal/sched still models the lock-release timing as an
// explicit "unlock hook" step for fidelity with spec §4.7/§9, even
// though Go's goroutine model makes the classic SP-swap race impossible
// to reproduce literally.
package arch

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// goroutineID returns the calling goroutine's runtime id, parsed from
// its stack trace header exactly as eventloop/loop.go's getGoroutineID
// does.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Port is the simulated arch port shared by every configured CPU.
type Port struct {
	numCores int
	bindings sync.Map       // goroutine id -> cpu index
	nesting  []atomic.Int32 // per-CPU disable-IRQ nesting depth
	epoch    time.Time
}

// New returns a Port configured for numCores simulated CPUs.
func New(numCores int) *Port {
	if numCores < 1 {
		numCores = 1
	}
	return &Port{
		numCores: numCores,
		nesting:  make([]atomic.Int32, numCores),
		epoch:    time.Now(),
	}
}

// NumCores returns the configured core count.
func (p *Port) NumCores() int { return p.numCores }

// BindCurrentGoroutine associates the calling goroutine with cpu. Each
// simulated CPU's run-loop goroutine, and every thread goroutine while
// it is RUNNING on that CPU, calls this so CurrentCPU resolves correctly
// from any kernel code path.
func (p *Port) BindCurrentGoroutine(cpu int) {
	p.bindings.Store(goroutineID(), cpu)
}

// Unbind removes the calling goroutine's CPU binding, called when a
// thread goroutine is about to park (it is no longer "running on" any
// CPU while SUSPENDED).
func (p *Port) Unbind() {
	p.bindings.Delete(goroutineID())
}

// CurrentCPU returns the CPU index bound to the calling goroutine, or -1
// if the calling goroutine was never bound.
func (p *Port) CurrentCPU() int {
	if v, ok := p.bindings.Load(goroutineID()); ok {
		return v.(int)
	}
	return -1
}

// DisableIRQs increments the calling CPU's nesting depth and returns the
// depth observed on entry — the "saved flags" spec §4.1 asks RestoreIRQs
// to precisely undo.
func (p *Port) DisableIRQs() uint32 {
	cpu := p.CurrentCPU()
	if cpu < 0 {
		return 0
	}
	return uint32(p.nesting[cpu].Add(1) - 1)
}

// RestoreIRQs undoes one matching DisableIRQs call.
func (p *Port) RestoreIRQs(saved uint32) {
	cpu := p.CurrentCPU()
	if cpu < 0 {
		return
	}
	_ = saved
	if p.nesting[cpu].Add(-1) < 0 {
		p.nesting[cpu].Store(0)
	}
}

// IRQsDisabledHere reports whether the calling CPU currently has IRQs
// disabled (nesting depth > 0).
func (p *Port) IRQsDisabledHere() bool {
	cpu := p.CurrentCPU()
	if cpu < 0 {
		return false
	}
	return p.nesting[cpu].Load() > 0
}

// Cycles returns a monotonic cycle counter derived from wall-clock time
// at a notional 1GHz rate, standing in for a hardware cycle counter.
func (p *Port) Cycles() uint64 {
	return uint64(time.Since(p.epoch))
}
