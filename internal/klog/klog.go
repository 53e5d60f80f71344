// Package klog is the kernel's structured logging surface.
//
// Kernel code never imports a concrete logging backend directly; it logs
// through the package-level functions here, the same cross-cutting-concern
// pattern the retrieved eventloop teacher package uses for its own
// SetStructuredLogger/getGlobalLogger split. The default backend is
// stumpy, a zero-allocation JSON encoder, because hard-timer callbacks and
// IRQ-trace hooks (spec L2, L3) must not allocate on their hot path.
package klog

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	mu     sync.RWMutex
	logger = stumpy.L.New(stumpy.L.WithStumpy())
)

// SetLogger replaces the package-level logger. Call once during boot,
// before any CPU is started.
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = stumpy.L.New(stumpy.L.WithStumpy())
	}
	logger = l
}

func get() *logiface.Logger[*stumpy.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf logs at debug level. Used for per-thread state-transition tracing.
func Debugf(msg string, kv ...KV) {
	emit(get().Debug(), msg, kv)
}

// Infof logs at info level. Used for scheduler/timer lifecycle events.
func Infof(msg string, kv ...KV) {
	emit(get().Info(), msg, kv)
}

// Warnf logs at warn level. Used for recoverable precondition violations.
func Warnf(msg string, kv ...KV) {
	emit(get().Warning(), msg, kv)
}

// Errf logs at error level. Used for blocking-outcome failures (timeouts, EINTR).
func Errf(msg string, err error, kv ...KV) {
	b := get().Err()
	if err != nil {
		b = b.Err(err)
	}
	emit(b, msg, kv)
}

// KV is a single structured field attached to a log line.
type KV struct {
	Key string
	Val int64
	Str string
	str bool
}

// Int attaches an integer field, e.g. klog.Int("cpu", cpuID).
func Int(key string, val int64) KV { return KV{Key: key, Val: val} }

// String attaches a string field, e.g. klog.String("thread", t.Name()).
func String(key, val string) KV { return KV{Key: key, Str: val, str: true} }

func emit(b *logiface.Builder[*stumpy.Event], msg string, kv []KV) {
	for _, f := range kv {
		if f.str {
			b = b.Str(f.Key, f.Str)
		} else {
			b = b.Int64(f.Key, f.Val)
		}
	}
	b.Log(msg)
}
