//go:build !linux

package futex

// newWakeFd has no eventfd equivalent wired up on non-Linux hosts yet
// (spec §4.10 leaves the cross-host wake descriptor's exact mechanism to
// the implementer); callers degrade to scheduler-only wake.
func newWakeFd() int          { return -1 }
func ringWakeFd(fd int)       {}
func closeWakeFd(fd int)      {}
