package syncprim

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhanghe-vivo/kernel-sub004/internal/arch"
	"github.com/zhanghe-vivo/kernel-sub004/internal/irq"
	"github.com/zhanghe-vivo/kernel-sub004/internal/kconfig"
	"github.com/zhanghe-vivo/kernel-sub004/internal/sched"
	"github.com/zhanghe-vivo/kernel-sub004/internal/thread"
)

// newTestScheduler builds a single-CPU scheduler whose idle thread loops
// on Yield (the path that special-cases an idle caller), shared by every
// blocking-primitive test in this package.
func newTestScheduler(t *testing.T) (*sched.Scheduler, *irq.Core) {
	t.Helper()
	cfg, err := kconfig.New(kconfig.WithNumCores(1))
	require.NoError(t, err)
	port := arch.New(1)
	irqs := irq.New(port, 1)

	var s *sched.Scheduler
	idle := thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: func() {
		for {
			s.Yield()
		}
	}}).Name("idle").Kind(thread.Idle).Priority(31).BoundCPU(0).Build()
	s = sched.New(cfg, port, irqs, []*thread.Thread{idle})
	return s, irqs
}

func waitOrFail(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// afterTimeout returns a channel that fires after a fixed test timeout,
// for selects guarding against a result that should have already arrived.
func afterTimeout() <-chan time.Time {
	return time.After(2 * time.Second)
}

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

func newThread(name string, priority uint32, fn func()) *thread.Thread {
	return thread.NewBuilder(thread.Entry{Kind: thread.EntryFn, Fn: fn}).Name(name).Priority(priority).Build()
}
