// Package thread implements the thread control block, its stack/entry
// variants, and the CAS-driven state machine from spec §3/§4.6 (L6).
package thread

import (
	"sync/atomic"
	"unsafe"

	"github.com/zhanghe-vivo/kernel-sub004/internal/ilist"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
)

// State is a thread's lifecycle state (spec §3, §4.6).
type State int32

const (
	Created State = iota
	Ready
	Running
	Suspended
	Retired
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Suspended:
		return "SUSPENDED"
	case Retired:
		return "RETIRED"
	default:
		return "UNKNOWN"
	}
}

// Kind tags what role a thread plays in the kernel (spec §3).
type Kind int32

const (
	Normal Kind = iota
	Idle
	AsyncPoller
	SystemDaemon
)

// StackKind distinguishes the three stack ownership models (spec §3).
type StackKind int32

const (
	StackRaw StackKind = iota
	StackBoxed
	StackStatic
)

// Stack describes a thread's stack storage. Because this core runs atop
// Go goroutines (which manage their own growable stacks), Stack is
// bookkeeping metadata only — it records ownership and size for parity
// with spec §3/§4.6's free-on-retire semantics and for diagnostics, and
// governs whether the zombie reaper's cleanup step considers the stack
// region "kernel-owned" (Boxed) or external (Raw/Static).
type Stack struct {
	Kind StackKind
	Base uintptr
	Size int
}

// EntryKind distinguishes the three ways a thread's body can be
// expressed (spec §4.6).
type EntryKind int32

const (
	EntryFn EntryKind = iota
	EntryFnArg
	EntryClosure
)

// Entry is a thread's body. Exactly one of Fn, FnArg, or Closure is set,
// selected by Kind.
type Entry struct {
	Kind    EntryKind
	Fn      func()
	FnArg   func(arg any)
	Arg     any
	Closure func()
}

func (e Entry) run() {
	switch e.Kind {
	case EntryFn:
		e.Fn()
	case EntryFnArg:
		e.FnArg(e.Arg)
	case EntryClosure:
		e.Closure()
	}
}

// PriorityDonor is implemented by synchronization primitives (e.g. a
// mutex) that can temporarily boost their owner's effective priority.
// Thread.RestoreBasePriority asks every currently-held donor for its
// highest waiter priority and restores to the max across all of them,
// matching spec §4.6/§4.9's "nested boosts ... max across all mutexes
// currently owned" rule, without thread importing the sync package.
type PriorityDonor interface {
	HighestWaiterPriority() (uint32, bool)
}

// Thread is the kernel's thread control block (spec §3).
type Thread struct {
	ilist.RefCounted

	id   uintptr
	name string

	basePriority uint32
	priority     atomic.Uint32 // effective, boosted by PI

	state   atomic.Int32
	errno   atomic.Int32
	pending atomic.Uint32 // pending-signals bitset (L11)

	kind  Kind
	stack Stack
	entry Entry

	sliceInitial int32
	sliceRemain  atomic.Int32

	boundCPU     int32 // -1 = no affinity
	assignedCPU  int32 // the CPU the scheduler last dispatched this thread onto
	startedOnce  atomic.Bool

	cleanup func(*Thread)

	// Wake is the buffered channel a parked thread blocks on; sending to
	// it is the simulated "resume" half of a context switch (see
	// internal/arch's package doc for why this replaces a literal SP
	// swap). Buffered size 1 gives park/wake its no-lost-wakeup property.
	Wake chan struct{}

	// GlobalLink/SchedLink are the two independent intrusive link fields
	// spec §3 requires ("one for the global thread list, one for the
	// current scheduler/wait/zombie list").
	GlobalLink ilist.Link[Thread]
	SchedLink  ilist.Link[Thread]

	heldMu []PriorityDonor
}

// GlobalAdapter addresses Thread.GlobalLink.
var GlobalAdapter ilist.AdapterFunc[Thread] = func(t *Thread) *ilist.Link[Thread] { return &t.GlobalLink }

// SchedAdapter addresses Thread.SchedLink.
var SchedAdapter ilist.AdapterFunc[Thread] = func(t *Thread) *ilist.Link[Thread] { return &t.SchedLink }

// Builder constructs a Thread in the CREATED state (spec §4.6).
type Builder struct {
	t *Thread
}

// NewBuilder starts building a thread with the given entry body.
func NewBuilder(entry Entry) *Builder {
	t := &Thread{
		entry:    entry,
		boundCPU: -1,
		Wake:     make(chan struct{}, 1),
	}
	t.state.Store(int32(Created))
	t.InitHeap()
	return &Builder{t: t}
}

func (b *Builder) Name(name string) *Builder { b.t.name = name; return b }

func (b *Builder) Priority(p uint32) *Builder {
	b.t.basePriority = p
	b.t.priority.Store(p)
	return b
}

func (b *Builder) Stack(s Stack) *Builder { b.t.stack = s; return b }

func (b *Builder) Kind(k Kind) *Builder { b.t.kind = k; return b }

func (b *Builder) TickSlice(n int32) *Builder {
	b.t.sliceInitial = n
	b.t.sliceRemain.Store(n)
	return b
}

func (b *Builder) BoundCPU(cpu int) *Builder { b.t.boundCPU = int32(cpu); return b }

func (b *Builder) Cleanup(fn func(*Thread)) *Builder { b.t.cleanup = fn; return b }

// Build finalizes the thread. Its id is its own control-block address,
// matching spec §3 ("a stable integer id (address of its control
// block)").
func (b *Builder) Build() *Thread {
	t := b.t
	t.id = uintptr(unsafe.Pointer(t))
	return t
}

// ID returns the thread's stable identifier.
func (t *Thread) ID() uintptr { return t.id }
func (t *Thread) Name() string { return t.name }
func (t *Thread) Kind() Kind   { return t.kind }
func (t *Thread) Stack() Stack { return t.stack }
func (t *Thread) BoundCPU() int32 { return t.boundCPU }

// AssignedCPU returns the CPU index the scheduler most recently dispatched
// this thread onto — set by switchTo just before waking the thread, read
// by the thread's own goroutine immediately after waking to rebind the
// arch port (internal/sched).
func (t *Thread) AssignedCPU() int32 { return t.assignedCPU }

// SetAssignedCPU records which CPU the scheduler is dispatching this
// thread onto. Called only by the scheduler, strictly before Wake is sent.
func (t *Thread) SetAssignedCPU(cpu int) { t.assignedCPU = int32(cpu) }

// MarkStarted transitions the thread from "never run" to "running for the
// first time", returning true only to the single caller that performs the
// transition — the scheduler uses this to decide whether a thread needs
// its launch goroutine spawned or is merely being resumed (spec §4.6's
// one-shot launch from CREATED versus every subsequent RUNNING dispatch).
func (t *Thread) MarkStarted() bool { return t.startedOnce.CompareAndSwap(false, true) }

// Priority returns the thread's current effective priority (possibly
// boosted by priority inheritance).
func (t *Thread) Priority() uint32 { return t.priority.Load() }

// BasePriority returns the priority the thread was created with.
func (t *Thread) BasePriority() uint32 { return t.basePriority }

// State returns the current lifecycle state.
func (t *Thread) State() State { return State(t.state.Load()) }

// Errno returns the thread's per-thread error code (spec §3).
func (t *Thread) Errno() kerr.Errno { return kerr.Errno(t.errno.Load()) }

// SetErrno sets the thread's per-thread error code.
func (t *Thread) SetErrno(e kerr.Errno) { t.errno.Store(int32(e)) }

// RaiseSignal ORs sig's bit into the pending-signals bitset (L11),
// returning the bitset's value before the OR (so a caller can tell
// whether the bit was already pending).
func (t *Thread) RaiseSignal(sig uint32) uint32 {
	bit := uint32(1) << sig
	for {
		old := t.pending.Load()
		if old&bit != 0 {
			return old
		}
		if t.pending.CompareAndSwap(old, old|bit) {
			return old
		}
	}
}

// PendingSignals returns the current pending-signals bitset.
func (t *Thread) PendingSignals() uint32 { return t.pending.Load() }

// ClearSignal clears sig's bit in the pending-signals bitset.
func (t *Thread) ClearSignal(sig uint32) {
	bit := uint32(1) << sig
	for {
		old := t.pending.Load()
		if t.pending.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// TransitionState performs the if-was=from-then=to CAS protocol used
// throughout spec §4.6's state table. Returns false if the thread's
// current state was not `from`.
func (t *Thread) TransitionState(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// ForceState unconditionally sets the state. Used only at construction
// and by the builder/zombie-reaper paths where no peer can be racing.
func (t *Thread) ForceState(s State) { t.state.Store(int32(s)) }

// TickRemaining/ResetSlice/DecrementSlice implement the tick-slice
// accounting in spec §4.7.
func (t *Thread) TickRemaining() int32 { return t.sliceRemain.Load() }
func (t *Thread) ResetSlice()          { t.sliceRemain.Store(t.sliceInitial) }

// DecrementSlice decrements the remaining slice and reports whether it
// reached zero.
func (t *Thread) DecrementSlice() bool {
	return t.sliceRemain.Add(-1) <= 0
}

// Run executes the thread's entry body. Called once, on the thread's own
// goroutine, by the scheduler's launch path.
func (t *Thread) Run() { t.entry.run() }

// Cleanup invokes the thread's retirement cleanup hook, if any.
func (t *Thread) Cleanup() {
	if t.cleanup != nil {
		t.cleanup(t)
	}
}

// --- priority inheritance (spec §4.6, §4.9) ---

// BoostPriority raises the thread's effective priority to at least p
// (lower numeric value = higher priority, so this only ever decreases
// the stored number).
func (t *Thread) BoostPriority(p uint32) {
	for {
		cur := t.priority.Load()
		if p >= cur {
			return
		}
		if t.priority.CompareAndSwap(cur, p) {
			return
		}
	}
}

// AddHeldDonor records that the thread now holds a priority-donating
// primitive (a locked mutex), for RestoreBasePriority's max-across
// recompute. Idempotent: a donor already present (e.g. a second, third,
// ... contending waiter arriving on the same still-held mutex) is not
// appended again, so RemoveHeldDonor's single call on release always
// strips it completely.
func (t *Thread) AddHeldDonor(d PriorityDonor) {
	for _, h := range t.heldMu {
		if h == d {
			return
		}
	}
	t.heldMu = append(t.heldMu, d)
}

// RemoveHeldDonor removes d from the held set.
func (t *Thread) RemoveHeldDonor(d PriorityDonor) {
	for i, h := range t.heldMu {
		if h == d {
			t.heldMu = append(t.heldMu[:i], t.heldMu[i+1:]...)
			return
		}
	}
}

// HeldDonorCount returns the number of priority-donating primitives
// currently recorded as held by the thread (diagnostic/test-only).
func (t *Thread) HeldDonorCount() int { return len(t.heldMu) }

// RestoreBasePriority recomputes the thread's effective priority as the
// max(basePriority, highest waiter priority across every still-held
// donor) — spec §4.6's nested-boost resolution rule.
func (t *Thread) RestoreBasePriority() {
	best := t.basePriority
	for _, d := range t.heldMu {
		if p, ok := d.HighestWaiterPriority(); ok && p < best {
			best = p
		}
	}
	t.priority.Store(best)
}
