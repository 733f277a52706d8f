package futex

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex op constants from <linux/futex.h>, not exported by x/sys/unix.
const (
	futexWaitBitsetOp   = 9          // FUTEX_WAIT_BITSET
	futexWakeOp         = 1          // FUTEX_WAKE
	futexPrivateFlag    = 128        // FUTEX_PRIVATE_FLAG
	futexClockRealtime  = 256        // FUTEX_CLOCK_REALTIME
	futexBitsetMatchAny = 0xFFFFFFFF // FUTEX_BITSET_MATCH_ANY
)

// futexWait blocks until the word at addr no longer holds expected, the
// absolute deadline passes, or a signal arrives. A zero deadline waits
// indefinitely.
//
// The bitset variant is used because it takes an absolute CLOCK_REALTIME
// deadline, so the caller's deadline goes straight to the kernel instead of
// being re-derived on every retry.
//
// Returns unix.ETIMEDOUT on deadline, unix.EAGAIN if the word already
// changed, unix.EINTR on signal delivery. Callers are expected to re-check
// the word and retry on the latter two.
func futexWait(addr *atomic.Uint32, expected uint32, deadline time.Time, private bool) error {
	op := uintptr(futexWaitBitsetOp | futexClockRealtime)
	if private {
		// Tells the kernel the futex is not shared with another process,
		// which enables a faster path.
		op |= futexPrivateFlag
	}
	var tsPtr unsafe.Pointer
	if !deadline.IsZero() {
		ts := unix.NsecToTimespec(deadline.UnixNano())
		tsPtr = unsafe.Pointer(&ts)
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		op,
		uintptr(expected),
		uintptr(tsPtr),
		0,
		futexBitsetMatchAny)
	if errno != 0 {
		return errno
	}
	return nil
}

// futexWake wakes up to count threads blocked in futexWait on addr.
//
// ENOENT (nobody waiting) is not an error. EFAULT is also swallowed: the
// waking side may race with the owning storage being unmapped, and by the
// time the syscall runs there is no waiter left to miss.
func futexWake(addr *atomic.Uint32, count uint32, private bool) error {
	op := uintptr(futexWakeOp)
	if private {
		op |= futexPrivateFlag
	}
	_, _, errno := unix.Syscall(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		op,
		uintptr(count))
	if errno != 0 && errno != unix.ENOENT && errno != unix.EFAULT {
		return errno
	}
	return nil
}
