// Package bootabi models the external syscall ABI contract from spec §6
// as plain Go types and constants. There is deliberately no SVC/ECALL
// trap, vector table, or decode/dispatch loop here: syscall transport is
// an explicit Non-goal (spec §1) — "the decode/dispatch layer is trivial
// once the core exists". This package exists only so a future transport
// layer built atop this kernel core has a stable numbering and argument
// shape to target, the same way the teacher repo's public API surface
// is itself the contract, not any particular transport binding it.
package bootabi

import "github.com/zhanghe-vivo/kernel-sub004/internal/kerr"

// NR is a syscall number (spec §6).
type NR int32

const (
	Nop NR = iota
	GetTid
	CreateThread
	ExitThread
	AtomicWait
	AtomicWake
	ClockGetTime
	AllocMem
	FreeMem
	Write
	Close
	Read
	Open
	Lseek
	SchedYield
)

var nrNames = map[NR]string{
	Nop: "Nop", GetTid: "GetTid", CreateThread: "CreateThread",
	ExitThread: "ExitThread", AtomicWait: "AtomicWait", AtomicWake: "AtomicWake",
	ClockGetTime: "ClockGetTime", AllocMem: "AllocMem", FreeMem: "FreeMem",
	Write: "Write", Close: "Close", Read: "Read", Open: "Open",
	Lseek: "Lseek", SchedYield: "SchedYield",
}

func (n NR) String() string {
	if s, ok := nrNames[n]; ok {
		return s
	}
	return "NR(?)"
}

// MaxArgs is the number of argument registers a syscall ABI call carries,
// matching spec §6's "up to 6 argument registers per target".
const MaxArgs = 6

// Args is the fixed argument-register vector passed to a syscall.
type Args [MaxArgs]uintptr

// Result encodes a syscall's return value using the Linux convention
// spec §6 specifies: negative is -errno, anything else is success.
type Result int64

// Errno extracts the kerr.Errno this Result represents, or kerr.EOK for
// any non-negative (success) result.
func (r Result) Errno() kerr.Errno {
	if r >= 0 {
		return kerr.EOK
	}
	return kerr.Errno(r)
}

// FromErrno builds the Result a syscall handler returns for e, with val
// used verbatim on success (e == kerr.EOK).
func FromErrno(e kerr.Errno, val int64) Result {
	if e != kerr.EOK {
		return Result(e)
	}
	return Result(val)
}

// CloneArgs is the user-supplied thread-clone argument struct (spec §6).
type CloneArgs struct {
	Entry     func(arg uintptr)
	Arg       uintptr
	StackBase uintptr
	StackSize uintptr
	CloneHook func()
}
