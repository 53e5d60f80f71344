package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanghe-vivo/kernel-sub004/internal/kerr"
)

func TestBuilder_DefaultsAndOverrides(t *testing.T) {
	var ran bool
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() { ran = true }}).
		Name("worker").
		Priority(5).
		Kind(Normal).
		TickSlice(10).
		BoundCPU(2).
		Build()

	assert.Equal(t, "worker", th.Name())
	assert.Equal(t, uint32(5), th.Priority())
	assert.Equal(t, uint32(5), th.BasePriority())
	assert.Equal(t, Normal, th.Kind())
	assert.Equal(t, int32(2), th.BoundCPU())
	assert.Equal(t, Created, th.State())
	assert.NotZero(t, th.ID())

	th.Run()
	assert.True(t, ran)
}

func TestThread_StateTransitionCAS(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()

	require.True(t, th.TransitionState(Created, Ready))
	assert.Equal(t, Ready, th.State())

	// a transition from the wrong prior state fails and leaves state unchanged.
	assert.False(t, th.TransitionState(Created, Running))
	assert.Equal(t, Ready, th.State())

	require.True(t, th.TransitionState(Ready, Running))
	assert.Equal(t, Running, th.State())
}

func TestThread_ForceState(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()
	th.ForceState(Retired)
	assert.Equal(t, Retired, th.State())
}

func TestThread_MarkStartedOnlyOnce(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()
	assert.True(t, th.MarkStarted())
	assert.False(t, th.MarkStarted())
	assert.False(t, th.MarkStarted())
}

func TestThread_SignalRaiseClearPending(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()
	assert.Equal(t, uint32(0), th.PendingSignals())

	prev := th.RaiseSignal(3)
	assert.Equal(t, uint32(0), prev)
	assert.Equal(t, uint32(1)<<3, th.PendingSignals())

	// raising an already-pending signal reports the prior bitset unchanged.
	prev2 := th.RaiseSignal(3)
	assert.Equal(t, uint32(1)<<3, prev2)

	th.ClearSignal(3)
	assert.Equal(t, uint32(0), th.PendingSignals())
}

func TestThread_ErrnoRoundTrip(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()
	assert.Equal(t, kerr.EOK, th.Errno())
	th.SetErrno(kerr.ETIMEDOUT)
	assert.Equal(t, kerr.ETIMEDOUT, th.Errno())
}

func TestThread_TickSliceAccounting(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).TickSlice(3).Build()
	assert.Equal(t, int32(3), th.TickRemaining())

	assert.False(t, th.DecrementSlice())
	assert.False(t, th.DecrementSlice())
	assert.True(t, th.DecrementSlice())
	assert.Equal(t, int32(0), th.TickRemaining())

	th.ResetSlice()
	assert.Equal(t, int32(3), th.TickRemaining())
}

func TestThread_EntryVariants(t *testing.T) {
	var gotArg any
	th := NewBuilder(Entry{Kind: EntryFnArg, FnArg: func(a any) { gotArg = a }, Arg: "payload"}).Build()
	th.Run()
	assert.Equal(t, "payload", gotArg)

	var closureRan bool
	th2 := NewBuilder(Entry{Kind: EntryClosure, Closure: func() { closureRan = true }}).Build()
	th2.Run()
	assert.True(t, closureRan)
}

func TestThread_CleanupHook(t *testing.T) {
	var cleaned *Thread
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).
		Cleanup(func(t *Thread) { cleaned = t }).
		Build()
	th.Cleanup()
	assert.Same(t, th, cleaned)
}

// mockDonor implements PriorityDonor for the priority-inheritance tests.
type mockDonor struct {
	priority uint32
	has      bool
}

func (m *mockDonor) HighestWaiterPriority() (uint32, bool) { return m.priority, m.has }

func TestThread_BoostAndRestorePriority(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Priority(20).Build()
	assert.Equal(t, uint32(20), th.Priority())

	th.BoostPriority(5)
	assert.Equal(t, uint32(5), th.Priority())

	// boosting to a lower-priority (higher number) value never raises the
	// numeric priority back up.
	th.BoostPriority(10)
	assert.Equal(t, uint32(5), th.Priority())
}

func TestThread_RestoreBasePriorityMaxAcrossHeldDonors(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Priority(20).Build()
	d1 := &mockDonor{priority: 8, has: true}
	d2 := &mockDonor{priority: 3, has: true}
	th.AddHeldDonor(d1)
	th.AddHeldDonor(d2)

	th.BoostPriority(3) // simulate the boost that would have happened on lock acquire
	th.RemoveHeldDonor(d2)

	// only d1 remains; its waiter priority (8) beats the base (20).
	th.RestoreBasePriority()
	assert.Equal(t, uint32(8), th.Priority())

	th.RemoveHeldDonor(d1)
	th.RestoreBasePriority()
	assert.Equal(t, uint32(20), th.Priority())
}

func TestThread_RestoreBasePriorityIgnoresDonorsWithNoWaiters(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Priority(20).Build()
	d := &mockDonor{has: false}
	th.AddHeldDonor(d)
	th.RestoreBasePriority()
	assert.Equal(t, uint32(20), th.Priority())
}

func TestThread_AssignedCPU(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()
	assert.Equal(t, int32(0), th.AssignedCPU())
	th.SetAssignedCPU(3)
	assert.Equal(t, int32(3), th.AssignedCPU())
}

func TestThread_UnboundCPUDefault(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()
	assert.Equal(t, int32(-1), th.BoundCPU())
}

func TestThread_WakeChannelIsBufferedSizeOne(t *testing.T) {
	th := NewBuilder(Entry{Kind: EntryFn, Fn: func() {}}).Build()
	// a send must never block even with nobody receiving yet (no-lost-wakeup).
	select {
	case th.Wake <- struct{}{}:
	default:
		t.Fatal("Wake channel should accept one buffered send without blocking")
	}
}
