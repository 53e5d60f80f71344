package spinlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanghe-vivo/kernel-sub004/internal/arch"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
)

func newTestIRQ() (*irq.Core, *arch.Port) {
	port := arch.New(1)
	return irq.New(port, 1), port
}

func TestRWSpinLock_LockUnlock(t *testing.T) {
	l := New[int](nil, 0)
	g := l.Lock()
	*g.Value() = 42
	g.Unlock()

	g2 := l.Lock()
	assert.Equal(t, 42, *g2.Value())
	g2.Unlock()

	// idempotent.
	g2.Unlock()
}

func TestRWSpinLock_TryLock(t *testing.T) {
	l := New[int](nil, 0)
	g, ok := l.TryLock()
	require.True(t, ok)

	_, ok2 := l.TryLock()
	assert.False(t, ok2, "a second TryLock while held must fail")

	g.Unlock()

	g3, ok3 := l.TryLock()
	require.True(t, ok3)
	g3.Unlock()
}

func TestRWSpinLock_RLockAllowsConcurrentReaders(t *testing.T) {
	l := New[int](nil, 7)
	g1 := l.RLock()
	g2 := l.RLock()
	assert.Equal(t, 7, *g1.Value())
	assert.Equal(t, 7, *g2.Value())
	g1.Unlock()
	g2.Unlock()
}

func TestRWSpinLock_IRQSaveLockRestoresIRQs(t *testing.T) {
	c, port := newTestIRQ()
	port.BindCurrentGoroutine(0)
	defer port.Unbind()

	l := New[int](c, 0)
	saved := port.DisableIRQs()
	port.RestoreIRQs(saved)

	assert.False(t, port.IRQsDisabledHere())
	g := l.IRQSaveLock()
	assert.True(t, port.IRQsDisabledHere())
	g.Unlock()
	assert.False(t, port.IRQsDisabledHere())
}

func TestRWSpinLock_TryIRQSaveLockFailureRestoresIRQs(t *testing.T) {
	c, port := newTestIRQ()
	port.BindCurrentGoroutine(0)
	defer port.Unbind()

	l := New[int](c, 0)
	held := l.Lock()

	g, ok := l.TryIRQSaveLock()
	assert.False(t, ok)
	assert.Nil(t, g)
	assert.False(t, port.IRQsDisabledHere(), "a failed TryIRQSaveLock must restore IRQs")

	held.Unlock()
}

func TestGuard_DetachSplitsMutexAndIRQHalves(t *testing.T) {
	c, _ := newTestIRQ()
	l := New[int](c, 0)
	g := l.IRQSaveLock()

	irqGuard := g.Detach()
	require.NotNil(t, irqGuard)

	// the rwmutex half is already released: a fresh Lock must not block.
	g2 := l.Lock()
	g2.Unlock()

	// Detach is idempotent, like Unlock.
	assert.Nil(t, g.Detach())

	irqGuard.Release()
	irqGuard.Release() // idempotent
}

func TestUnlockHolder_BatchesAndReleasesInReverseOrder(t *testing.T) {
	c, port := newTestIRQ()
	port.BindCurrentGoroutine(0)
	defer port.Unbind()

	l1 := New[int](c, 0)
	l2 := New[int](c, 0)

	g1 := l1.IRQSaveLock()
	g2 := l2.IRQSaveLock()

	var holder UnlockHolder
	holder.Add(g1)
	holder.Add(g2)

	// both rwmutexes are free immediately.
	fresh1 := l1.Lock()
	fresh1.Unlock()
	fresh2 := l2.Lock()
	fresh2.Unlock()

	holder.ReleaseAll()
	assert.False(t, port.IRQsDisabledHere())

	// holder is reusable.
	holder.ReleaseAll()
}
