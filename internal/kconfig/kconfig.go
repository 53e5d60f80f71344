// Package kconfig holds the kernel's build-time configuration knobs
// (spec §6). Construction follows the teacher's loopOptions/LoopOption
// functional-options pattern (eventloop/options.go): a private struct
// mutated by Option closures, resolved once at kconfig.New.
package kconfig

import "fmt"

const (
	DefaultMaxNameLen = 16
)

// Config is the resolved set of build-time knobs.
type Config struct {
	NumCores          int
	TicksPerSecond    int
	MaxThreadPriority  uint32
	MainThreadStackSize   int
	SystemThreadStackSize int
	MaxNameLen        int

	SMP            bool
	Heap           bool
	EventFlags     bool
	Mutex          bool
	Semaphore      bool
	MessageQueue   bool
	Mailbox        bool
	Condvar        bool
	RWLock         bool
	IdleHook       bool
	Procfs         bool
	PriorityQueueMode bool
}

// Option configures a Config during New.
type Option func(*Config)

// WithNumCores sets the number of simulated CPUs (spec §5, NUM_CORES ≥ 1).
func WithNumCores(n int) Option {
	return func(c *Config) { c.NumCores = n }
}

// WithTicksPerSecond sets the tick rate. Must divide 1000 evenly (spec §6).
func WithTicksPerSecond(hz int) Option {
	return func(c *Config) { c.TicksPerSecond = hz }
}

// WithMaxThreadPriority sets the lowest-priority (highest numeric) level.
func WithMaxThreadPriority(p uint32) Option {
	return func(c *Config) { c.MaxThreadPriority = p }
}

// WithStackSizes sets the main and system (idle/soft-timer/zombie) thread stack sizes.
func WithStackSizes(main, system int) Option {
	return func(c *Config) {
		c.MainThreadStackSize = main
		c.SystemThreadStackSize = system
	}
}

// WithSMP enables multi-core scheduling.
func WithSMP(enabled bool) Option {
	return func(c *Config) { c.SMP = enabled }
}

// WithFeature toggles one of the feature flags named in spec §6.
func WithFeature(name string, enabled bool) Option {
	return func(c *Config) {
		switch name {
		case "heap":
			c.Heap = enabled
		case "event_flags":
			c.EventFlags = enabled
		case "mutex":
			c.Mutex = enabled
		case "semaphore":
			c.Semaphore = enabled
		case "message_queue":
			c.MessageQueue = enabled
		case "mailbox":
			c.Mailbox = enabled
		case "condvar":
			c.Condvar = enabled
		case "rwlock":
			c.RWLock = enabled
		case "idle_hook":
			c.IdleHook = enabled
		case "procfs":
			c.Procfs = enabled
		case "priority_queue":
			c.PriorityQueueMode = enabled
		}
	}
}

func defaults() Config {
	return Config{
		NumCores:              1,
		TicksPerSecond:        1000,
		MaxThreadPriority:     31,
		MainThreadStackSize:   8192,
		SystemThreadStackSize: 4096,
		MaxNameLen:            DefaultMaxNameLen,
		Heap:                  true,
		EventFlags:            true,
		Mutex:                 true,
		Semaphore:             true,
		MessageQueue:          true,
		Mailbox:               true,
		Condvar:               true,
		RWLock:                true,
		IdleHook:              true,
	}
}

// New resolves a Config from options, validating the invariants spec §6
// requires (tick rate must divide 1000 evenly, priority ceiling ≤ 31,
// at least one core).
func New(opts ...Option) (Config, error) {
	c := defaults()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&c)
	}
	if c.NumCores < 1 {
		return Config{}, fmt.Errorf("kconfig: NumCores must be >= 1, got %d", c.NumCores)
	}
	if c.TicksPerSecond <= 0 || 1000%c.TicksPerSecond != 0 {
		return Config{}, fmt.Errorf("kconfig: TicksPerSecond must divide 1000 evenly, got %d", c.TicksPerSecond)
	}
	if c.MaxThreadPriority > 31 {
		return Config{}, fmt.Errorf("kconfig: MaxThreadPriority must be <= 31, got %d", c.MaxThreadPriority)
	}
	if c.MaxNameLen <= 0 {
		c.MaxNameLen = DefaultMaxNameLen
	}
	return c, nil
}
