// Package futex implements the synchronization primitives that are allowed
// to cross the boundary between the hard-real-time control thread and
// non-real-time clients, including clients in other processes that see the
// primitives through shared memory.
//
// BinaryFutex is a tri-state binary semaphore backed by the Linux futex
// syscall. LockableBinaryFutex adapts it to mutex semantics and
// BinaryFutexConditionVariable builds a single-notify condition variable on
// top. All blocking entry points are off-limits on the real-time thread;
// Post, TryWait, TryLock, NotifyOne and Value are real-time safe.
package futex

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intrinsic-dev/rtipc/rtstatus"
)

// The three legal values of the futex word.
const (
	// Ready is the base state. A successful wait resets the word to Ready.
	Ready uint32 = 0
	// Posted is written by Post. Saturating: posting a Posted futex is a
	// no-op, the word never counts past one.
	Posted uint32 = 1
	// Closed is terminal. No operation leaves this state.
	Closed uint32 = 2
)

// SizeofBinaryFutex is the shared-memory footprint of a BinaryFutex. Two
// processes mapping the same segment rely on this layout: a 4-byte atomic
// word followed by a 4-byte flags word.
const SizeofBinaryFutex = 8

const privateFlag uint32 = 1

// Atomic operations on the word must be lock free for multi-process
// communication. These don't compile unless the atomic cell is exactly the
// 4-byte machine word the kernel operates on.
var _ [4 - unsafe.Sizeof(atomic.Uint32{})]byte
var _ [unsafe.Sizeof(atomic.Uint32{}) - 4]byte

var _ [SizeofBinaryFutex - unsafe.Sizeof(BinaryFutex{})]byte
var _ [unsafe.Sizeof(BinaryFutex{}) - SizeofBinaryFutex]byte

// A BinaryFutex is a binary semaphore with similar semantics to a POSIX
// semaphore clamped at one, plus a terminal Closed state for permanent
// cancellation. It can be shared between processes by placing it in a
// shared memory segment (see the shm package); within a process it is
// shared by pointer, never by copy.
//
// A pair of binary futexes makes a simple cross-process request/response
// channel:
//
//	mgr, _ := shm.NewManager("", "server")
//	request, _ := mgr.AddFutexSegment("request", false)
//	response, _ := mgr.AddFutexSegment("response", false)
//
//	// Server side.
//	for {
//		if err := request.WaitFor(-1); err != nil {
//			return err
//		}
//		// ... do some work ...
//		if err := response.Post(); err != nil {
//			return err
//		}
//	}
//
// See https://man7.org/linux/man-pages/man2/futex.2.html for details on the
// underlying syscall.
type BinaryFutex struct {
	_ noCopy

	word atomic.Uint32
	// Bit 0 holds the private-futex flag. Kept in the sharable layout so
	// both sides of a segment agree on the syscall variant.
	flags uint32
}

// NewBinaryFutex returns a futex in the Posted state if posted is true,
// otherwise Ready. Set private to true only if the futex never leaves the
// current process; the kernel then takes a cheaper wake/wait path.
func NewBinaryFutex(posted, private bool) *BinaryFutex {
	f := &BinaryFutex{}
	f.Init(posted, private)
	return f
}

// Init (re-)initializes f in place. Used for placement into freshly mapped
// shared memory; must not be called while anyone can observe f.
func (f *BinaryFutex) Init(posted, private bool) {
	initial := Ready
	if posted {
		initial = Posted
	}
	f.word.Store(initial)
	f.flags = 0
	if private {
		f.flags = privateFlag
	}
}

func (f *BinaryFutex) private() bool { return f.flags&privateFlag != 0 }

// Post transitions the futex from Ready to Posted and wakes at most one
// waiter. Posting an already-Posted futex is a no-op: the value saturates
// at one, posts do not accumulate. Posting a Closed futex is also a no-op;
// Closed absorbs everything (see Close).
//
// Returns an Internal error only if the wake syscall fails.
// Real-time safe.
func (f *BinaryFutex) Post() error {
	if f.word.CompareAndSwap(Ready, Posted) {
		if err := futexWake(&f.word, 1, f.private()); err != nil {
			return rtstatus.InternalErrorf("futex wake: %v", err)
		}
	}
	return nil
}

// consume atomically resets the word to Ready if it was Posted and reports
// the value it acted on. When the CAS loses a race the fallback load may
// observe a fresher value than the one that failed the CAS; callers run in
// a retry loop where the kernel wait re-validates the word, so a stale
// reading only costs one extra iteration.
func (f *BinaryFutex) consume() uint32 {
	if f.word.CompareAndSwap(Posted, Ready) {
		return Posted
	}
	return f.word.Load()
}

// WaitUntil blocks until the futex becomes Posted or Closed, or the
// deadline passes. A zero deadline means no deadline. On success the futex
// is reset to Ready.
//
// The futex value is checked before the deadline: a futex that is already
// Posted succeeds even if the deadline has long passed, and a deadline in
// the past otherwise fails without entering the kernel.
//
// Returns Aborted if the futex is (or becomes) Closed, DeadlineExceeded on
// timeout, Internal if the wait syscall fails for any other reason. Signal
// interruptions are retried, never surfaced.
//
// Real-time safe only when the deadline is close enough; never call this
// with a distant deadline from the real-time thread.
func (f *BinaryFutex) WaitUntil(deadline time.Time) error {
	start := time.Now()
	for {
		switch v := f.consume(); v {
		case Posted:
			return nil
		case Closed:
			return rtstatus.AbortedError("binary futex is closed")
		case Ready:
			// Not signaled yet, fall through to the kernel wait.
		default:
			return rtstatus.InternalErrorf("binary futex holds unexpected value %d", v)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return rtstatus.DeadlineExceededErrorf(
				"timeout after %.3f ms", float64(time.Since(start).Microseconds())/1e3)
		}
		// Sleeps only while the word still reads Ready, so a Post or Close
		// racing between consume and here is not lost: the kernel
		// re-validates the word atomically with enqueuing the waiter.
		err := futexWait(&f.word, Ready, deadline, f.private())
		switch err {
		case nil, unix.EAGAIN, unix.EINTR:
			// Woken, value already changed, or interrupted by an external
			// signal (SIGPROF and friends). Re-check the word.
		case unix.ETIMEDOUT:
			return rtstatus.DeadlineExceededErrorf(
				"timeout after %.3f ms", float64(time.Since(start).Microseconds())/1e3)
		default:
			return rtstatus.InternalErrorf("futex wait: %v", err)
		}
	}
}

// WaitFor is WaitUntil with a relative timeout. A negative timeout waits
// indefinitely.
func (f *BinaryFutex) WaitFor(timeout time.Duration) error {
	if timeout < 0 {
		return f.WaitUntil(time.Time{})
	}
	return f.WaitUntil(time.Now().Add(timeout))
}

// TryWait reports whether the futex was Posted, resetting it to Ready if
// so. Returns false without touching the state otherwise, including when
// the futex is Closed.
//
// Real-time safe.
func (f *BinaryFutex) TryWait() bool {
	return f.word.CompareAndSwap(Posted, Ready)
}

// Value returns the current raw state, one of Ready, Posted or Closed. The
// value may be stale by the time the caller looks at it; use it for
// diagnostics, not decisions.
//
// Real-time safe.
func (f *BinaryFutex) Value() uint32 {
	return f.word.Load()
}

// Close marks the futex closed and wakes all waiters. Closed is absorbing:
// subsequent waits return Aborted, TryWait returns false, and Post is a
// no-op that cannot resurrect a waitable state. Idempotent.
//
// Close uses an unconditional exchange where Post uses a compare-and-swap,
// so a Close racing a Post always wins: once the word reads Closed no CAS
// can succeed, and the total order is "Close serializes after the last
// successful Post".
//
// Waking all waiters can take unbounded time, which is why Post wakes only
// one; Close runs on shutdown paths where that does not matter.
func (f *BinaryFutex) Close() {
	if f.word.Swap(Closed) != Closed {
		_ = futexWake(&f.word, math.MaxInt32, f.private())
	}
}

// noCopy triggers the go vet copylocks check. A BinaryFutex must never be
// copied: two independent objects must not alias the same semantic slot
// except through explicit shared-memory placement.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
