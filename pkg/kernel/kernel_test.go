package kernel

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanghe-vivo/kernel-sub004/internal/kconfig"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
	"github.com/zhanghe-vivo/kernel-sub004/internal/timer"
)

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		runtime.Gosched()
	}
}

func TestBoot_BuildsEveryCollaborator(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(1))
	require.NoError(t, err)
	k := Boot(cfg)

	assert.NotNil(t, k.Arch)
	assert.NotNil(t, k.IRQ)
	assert.NotNil(t, k.Sched)
	assert.NotNil(t, k.Wheel)
	assert.NotNil(t, k.Futex)
	assert.NotNil(t, k.Signal)
}

func TestStartSchedule_RunsAnAppThreadToCompletion(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(1))
	require.NoError(t, err)
	k := Boot(cfg)

	ran := make(chan struct{})
	k.StartSchedule(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("app thread spawned via StartSchedule never ran")
	}
	k.Shutdown()
}

func TestKernel_SpawnBeforeStartScheduleRunsAtBoot(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(1))
	require.NoError(t, err)
	k := Boot(cfg)

	started := make(chan struct{})
	hold := make(chan struct{})
	var self *thread.Thread
	self = thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(started)
		<-hold
	}}).Name("early").Priority(5).Build()
	k.Spawn(self)

	k.StartSchedule()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("thread spawned before StartSchedule never ran")
	}
	assert.Same(t, self, k.Sched.Current(0))
	close(hold)
	k.Shutdown()
}

func TestKernel_TickAdvancesWheelAndAccountsSlice(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(1))
	require.NoError(t, err)
	k := Boot(cfg)

	started := make(chan struct{})
	proceed := make(chan struct{})
	self := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(started)
		<-proceed
	}}).Name("app").Priority(10).TickSlice(1).Build()
	k.Spawn(self)
	k.StartSchedule()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("app thread never started")
	}

	before := k.Wheel.Now()
	k.Tick(0)
	assert.Equal(t, before+1, k.Wheel.Now())
	waitUntil(t, func() bool { return self.TickRemaining() == 0 }, "a single tick with TickSlice(1) to exhaust the slice")

	close(proceed)
	k.Shutdown()
}

func TestKernel_SoftTimerFiresViaSchedule(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(1))
	require.NoError(t, err)
	k := Boot(cfg)
	k.StartSchedule()

	fired := make(chan struct{})
	tm := timer.New(timer.Soft, func() { close(fired) })
	k.Wheel.Start(tm, 3)

	for i := 0; i < 5 && !isClosed(fired); i++ {
		k.Tick(0)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("soft timer armed on the kernel's own wheel never fired through the soft-timer thread")
	}
	k.Shutdown()
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestKernel_SMPSpawnsZombieReaperAndReclaims(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(2), kconfig.WithSMP(true))
	require.NoError(t, err)
	k := Boot(cfg)

	done := make(chan struct{})
	self := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(done)
	}}).Name("ephemeral").Priority(10).Build()
	k.Spawn(self)

	k.StartSchedule()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ephemeral thread never ran")
	}

	waitUntil(t, func() bool { return self.StrongCount() == 0 }, "the zombie-reaper thread to reclaim the retired thread")
	k.Shutdown()
}

func TestKernel_UniprocessorReapsViaIdleWithNoReaperThread(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(1), kconfig.WithSMP(false))
	require.NoError(t, err)
	k := Boot(cfg)

	done := make(chan struct{})
	self := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		close(done)
	}}).Name("ephemeral").Priority(10).Build()
	k.Spawn(self)
	k.StartSchedule()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ephemeral thread never ran")
	}

	waitUntil(t, func() bool { return self.StrongCount() == 0 }, "idle's own loop to reclaim the retired thread on a UP build")
	k.Shutdown()
}

func TestKernel_ShutdownStopsSoftTimerAndReaper(t *testing.T) {
	cfg, err := kconfig.New(kconfig.WithNumCores(1), kconfig.WithSMP(true))
	require.NoError(t, err)
	k := Boot(cfg)
	k.StartSchedule()
	assert.NotPanics(t, k.Shutdown)
}
