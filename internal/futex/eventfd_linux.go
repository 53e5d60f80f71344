//go:build linux

package futex

import "golang.org/x/sys/unix"

// newWakeFd creates an eventfd used to additionally signal a host-process
// epoll/select loop blocked outside this simulated kernel (spec §4.10;
// grounded on the teacher's wakeup_linux.go createWakeFd). Returns -1 if
// the kernel couldn't create one — callers degrade to scheduler-only wake.
func newWakeFd() int {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1
	}
	return fd
}

// ringWakeFd writes one notification to fd, coalescing with any pending
// unread value the way eventfd's counter semantics already do.
func ringWakeFd(fd int) {
	if fd < 0 {
		return
	}
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(fd, buf[:])
}

func closeWakeFd(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
