// Package timer implements the tick-driven timer wheel (spec §4.3, L3):
// hashed buckets keyed by deadline, hard (IRQ-context) and soft
// (deferred, thread-context) dispatch, and periodic re-arm.
//
// The retrieved eventloop teacher keeps its deadlines in a
// container/heap-ordered min-heap (timerHeap in eventloop/loop.go),
// appropriate for an event loop with a handful of live timers. Spec §4.3
// is explicit that this kernel wants a true hashed/bucketed wheel instead
// — O(1) insert/cancel against the wheel's current tick rather than the
// heap's O(log n) — so the structure here is the bucketed wheel; any
// resemblance to a heap is confined to the tests, which cross-check the
// wheel's fire order against a reference container/heap ordering.
package timer

import (
	"container/heap"
	"sync/atomic"

	"github.com/zhanghe-vivo/kernel-sub004/internal/ilist"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
	"github.com/zhanghe-vivo/kernel-sub004/internal/spinlock"
)

// DefaultWheelSize is the default bucket count, a power of two so the
// bucket index is a cheap mask instead of a modulo (spec §4.3).
const DefaultWheelSize = 64

// Class distinguishes hard timers (fired directly from tick ISR context,
// spec §4.3's "hard" dispatch) from soft timers (queued for a dedicated
// soft-timer thread to run at thread priority, never from IRQ context).
type Class int32

const (
	Soft Class = iota
	Hard
)

// Timer is one armed (or disarmed) entry. Embeds an intrusive link so it
// can sit in exactly one wheel bucket at a time.
//
// deadline and period are uint32, matching the wheel's own tick counter
// width (spec §8's tick-overflow boundary: "Tick overflow (u32 tick
// counter wraps) must not corrupt timer expiration; use unsigned
// subtraction for deadline comparisons"). Both deadline arithmetic
// (Start's now+delay, the periodic re-arm's deadline+=period) and the
// wheel's own now++ rely on ordinary uint32 wraparound, so a deadline
// computed just before an overflow and a tick counter that then wraps
// past it still compare equal at the same post-wrap value — there is no
// separate "wrapped" state to fall out of sync.
type Timer struct {
	link ilist.Link[Timer]

	deadline uint32
	period   uint32 // 0 = one-shot
	class    Class
	armed    atomic.Bool
	fn       func()
}

// LinkAdapter addresses Timer.link for the wheel's intrusive buckets.
var LinkAdapter ilist.AdapterFunc[Timer] = func(t *Timer) *ilist.Link[Timer] { return &t.link }

// New builds a disarmed timer that invokes fn on expiry.
func New(class Class, fn func()) *Timer {
	return &Timer{class: class, fn: fn}
}

// Armed reports whether the timer is currently scheduled.
func (t *Timer) Armed() bool { return t.armed.Load() }

type wheelState struct {
	buckets   []*ilist.List[Timer]
	mask      uint32
	now       uint32 // current tick count, wraps per spec §8
	softQueue []*Timer
}

// Wheel is the tick-driven bucketed timer wheel.
type Wheel struct {
	state *spinlock.RWSpinLock[*wheelState]
	softC chan *Timer // delivers expired soft timers to the soft-timer thread
}

// NewWheel builds a Wheel with size buckets (rounded up to a power of two;
// DefaultWheelSize if size <= 0), guarded by irqs against concurrent Tick
// (which runs in simulated IRQ context) racing Start/Stop (thread context).
func NewWheel(size int, irqs *irq.Core) *Wheel {
	if size <= 0 {
		size = DefaultWheelSize
	}
	n := 1
	for n < size {
		n <<= 1
	}
	buckets := make([]*ilist.List[Timer], n)
	for i := range buckets {
		buckets[i] = ilist.New[Timer](LinkAdapter)
	}
	return &Wheel{
		state: spinlock.New[*wheelState](irqs, &wheelState{buckets: buckets, mask: uint32(n - 1)}),
		softC: make(chan *Timer, 256),
	}
}

func (w *Wheel) bucketFor(st *wheelState, deadline uint32) *ilist.List[Timer] {
	return st.buckets[deadline&st.mask]
}

// Start arms t to fire at now+delayTicks (delayTicks == 0 fires on the
// very next Tick). Starting an already-armed timer first stops it (spec
// §4.3's Modify semantics collapse into Stop-then-Start). delayTicks
// wrapping the deadline past math.MaxUint32 is not an error: it arms
// correctly, since the comparison in Tick wraps exactly the same way.
func (w *Wheel) Start(t *Timer, delayTicks uint32) {
	w.Stop(t)
	g := w.state.IRQSaveLock()
	st := *g.Value()
	t.deadline = st.now + delayTicks
	t.armed.Store(true)
	w.bucketFor(st, t.deadline).PushBack(t)
	g.Unlock()
}

// StartPeriodic arms t as a periodic timer with the given period, firing
// every periodTicks ticks starting periodTicks from now.
func (w *Wheel) StartPeriodic(t *Timer, periodTicks uint32) {
	if periodTicks == 0 {
		kerr.Fatal("timer: periodic timer requires a non-zero period", nil)
	}
	t.period = periodTicks
	w.Start(t, periodTicks)
}

// Stop disarms t, a no-op if it was not armed. Idempotent, O(1).
func (w *Wheel) Stop(t *Timer) {
	if !t.armed.CompareAndSwap(true, false) {
		return
	}
	g := w.state.IRQSaveLock()
	st := *g.Value()
	w.bucketFor(st, t.deadline).Detach(t)
	g.Unlock()
}

// Tick advances the wheel by one tick, firing every timer whose deadline
// has arrived: hard timers are invoked inline (the caller is expected to
// be the tick ISR, spec §4.3), soft timers are handed to SoftTimers() for
// a dedicated thread to run outside IRQ context. Periodic timers are
// re-armed by deadline += period, never now + period, so a late tick
// never lets a periodic timer drift forward (spec §4.3's stability
// requirement).
//
// The tick counter is uint32 and wraps (spec §8's named boundary
// property). A timer is due once `int32(st.now - t.deadline) >= 0` —
// the unsigned-subtraction-then-reinterpret-as-signed comparison spec §8
// calls for — rather than exact equality, so a timer is still correctly
// recognized as due even if Tick is ever called in batches that skip
// past its exact deadline tick, and the comparison itself keeps working
// unchanged across a wraparound of st.now (the subtraction wraps
// identically on both sides).
func (w *Wheel) Tick() {
	g := w.state.IRQSaveLock()
	st := *g.Value()
	st.now++
	bucket := w.bucketFor(st, st.now)
	var fired []*Timer
	bucket.Iter(func(t *Timer) bool {
		if int32(st.now-t.deadline) >= 0 {
			fired = append(fired, t)
		}
		return true
	})
	for _, t := range fired {
		bucket.Detach(t)
		t.armed.Store(false)
		if t.period != 0 {
			t.deadline += t.period
			t.armed.Store(true)
			w.bucketFor(st, t.deadline).PushBack(t)
		}
	}
	g.Unlock()

	for _, t := range fired {
		switch t.class {
		case Hard:
			if t.fn != nil {
				t.fn()
			}
		case Soft:
			select {
			case w.softC <- t:
			default:
				kerr.Fatal("timer: soft-timer queue overflow", nil)
			}
		}
	}
}

// RunSoftTimers is the soft-timer thread's body: it drains expired soft
// timers and invokes them at thread priority, forever. Callers run this in
// a dedicated system thread (spec §4.3's "soft timers never run in IRQ
// context").
func (w *Wheel) RunSoftTimers(stop <-chan struct{}) {
	for {
		select {
		case t := <-w.softC:
			if t.fn != nil {
				t.fn()
			}
		case <-stop:
			return
		}
	}
}

// Now returns the wheel's current tick count.
func (w *Wheel) Now() uint32 {
	g := w.state.RLock()
	defer g.Unlock()
	return (*g.Value()).now
}

// --- reference cross-check (tests only) ---

// heapEntry/timerHeap mirror the teacher's eventloop min-heap ordering,
// used exclusively by this package's tests to independently verify the
// wheel fires timers in deadline order — never used by the wheel itself.
type heapEntry struct {
	deadline uint32
	timer    *Timer
}

type timerHeap []heapEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*timerHeap)(nil)
