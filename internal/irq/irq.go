// Package irq is the IRQ core (spec §4.2, L2): per-CPU nesting counters,
// the disable-interrupt and IRQ-trace RAII guards, and the dense
// vector-number handler registry.
package irq

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/zhanghe-vivo/kernel-sub004/internal/arch"
	"github.com/zhanghe-vivo/kernel-sub004/internal/klog"
)

const numVectors = 256

// Core owns the per-CPU nesting counters and the vector table. It wraps
// an *arch.Port, which is where the actual nestable disable/restore
// state lives (spec §4.1 says the arch layer owns IRQ masking; this
// package owns the counter *used to derive* IsInIRQ, as spec §4.2
// requires: "derived from the L2 counter, not arch state").
type Core struct {
	port     *arch.Port
	nesting  []atomic.Int32 // per-CPU ISR-nesting depth (distinct from DisableIRQs depth)
	handlers [numVectors]atomic.Pointer[Handler]

	// floodLimiter throttles repeated trace logging for a vector firing
	// at high frequency, grounded on the teacher's go-catrate Limiter
	// (catrate/limiter.go), reused here for IRQ-storm log suppression
	// instead of its original request-rate-limiting purpose.
	floodLimiter *catrate.Limiter
	trace        []vectorTrace
}

// Handler is a registered IRQ handler: a plain function, matching spec
// §9's "dynamic dispatch" design note (fixed function pointer, no fat
// trait-object dispatch in ISR paths).
type Handler func()

type vectorTrace struct {
	count     atomic.Uint64
	lastCycle atomic.Uint64
	totalNs   atomic.Int64
}

// New builds a Core for the given arch port and core count.
func New(port *arch.Port, numCores int) *Core {
	limiter := catrate.NewLimiter(map[time.Duration]int{time.Second: 50})
	return &Core{
		port:         port,
		nesting:      make([]atomic.Int32, numCores),
		floodLimiter: limiter,
		trace:        make([]vectorTrace, numVectors),
	}
}

// Enter increments the calling CPU's ISR-nesting depth. Called from the
// arch-specific trap entry prologue.
func (c *Core) Enter() {
	cpu := c.port.CurrentCPU()
	if cpu >= 0 {
		c.nesting[cpu].Add(1)
	}
}

// Leave decrements the calling CPU's ISR-nesting depth.
func (c *Core) Leave() {
	cpu := c.port.CurrentCPU()
	if cpu >= 0 {
		c.nesting[cpu].Add(-1)
	}
}

// InIRQ reports whether the calling CPU is currently inside an ISR.
func (c *Core) InIRQ() bool {
	cpu := c.port.CurrentCPU()
	if cpu < 0 {
		return false
	}
	return c.nesting[cpu].Load() > 0
}

// DisableGuard is the RAII disable-interrupt guard (spec §4.2). Both
// guards in this package are infallible.
type DisableGuard struct {
	port  *arch.Port
	saved uint32
	done  bool
}

// Disable acquires saved flags and disables local IRQs.
func (c *Core) Disable() *DisableGuard {
	return &DisableGuard{port: c.port, saved: c.port.DisableIRQs()}
}

// Release restores IRQs to the state captured at Disable. Idempotent.
func (g *DisableGuard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.port.RestoreIRQs(g.saved)
}

// TraceGuard wraps an IRQ handler body with per-vector accounting
// (last-enter cycle, cumulative in-IRQ cycles, fire count), released
// via Close. Use: defer c.Trace(vector).Close().
type TraceGuard struct {
	core    *Core
	vector  int
	startNs uint64
}

// Trace begins per-vector accounting for the ISR currently executing on
// vector v. It updates the nesting counters (Enter) and the catrate
// flood limiter before the handler body runs.
func (c *Core) Trace(v int) *TraceGuard {
	c.Enter()
	if v >= 0 && v < numVectors {
		c.trace[v].count.Add(1)
		c.trace[v].lastCycle.Store(c.port.Cycles())
	}
	if _, ok := c.floodLimiter.Allow(v); !ok {
		klog.Warnf("irq: vector firing above configured rate", klog.Int("vector", int64(v)))
	}
	return &TraceGuard{core: c, vector: v, startNs: uint64(time.Now().UnixNano())}
}

// Close ends the trace, accumulating elapsed time and leaving ISR
// nesting.
func (g *TraceGuard) Close() {
	if g.vector >= 0 && g.vector < numVectors {
		elapsed := int64(uint64(time.Now().UnixNano()) - g.startNs)
		g.core.trace[g.vector].totalNs.Add(elapsed)
	}
	g.core.Leave()
}

// Register installs h as the handler for vector v, replacing any
// previous registration.
func (c *Core) Register(v int, h Handler) {
	if v < 0 || v >= numVectors {
		return
	}
	c.handlers[v].Store(&h)
}

// Dispatch invokes the handler registered for vector v, if any, wrapped
// in a TraceGuard.
func (c *Core) Dispatch(v int) {
	g := c.Trace(v)
	defer g.Close()
	if p := c.handlers[v].Load(); p != nil {
		(*p)()
	}
}

// VectorStats reports the trace counters for one vector (spec §4.2
// "optional per-CPU accounting").
type VectorStats struct {
	Count       uint64
	LastCycle   uint64
	TotalNanos  int64
}

func (c *Core) VectorStats(v int) VectorStats {
	if v < 0 || v >= numVectors {
		return VectorStats{}
	}
	t := &c.trace[v]
	return VectorStats{
		Count:      t.count.Load(),
		LastCycle:  t.lastCycle.Load(),
		TotalNanos: t.totalNs.Load(),
	}
}
