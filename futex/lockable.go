package futex

import (
	"time"
	"unsafe"

	"github.com/golang/glog"

	"github.com/intrinsic-dev/rtipc/rtstatus"
)

// SizeofLockableBinaryFutex is the shared-memory footprint of a
// LockableBinaryFutex.
const SizeofLockableBinaryFutex = SizeofBinaryFutex

var _ [SizeofLockableBinaryFutex - unsafe.Sizeof(LockableBinaryFutex{})]byte
var _ [unsafe.Sizeof(LockableBinaryFutex{}) - SizeofLockableBinaryFutex]byte

// LockableBinaryFutex wraps a BinaryFutex so that it can be used like a
// common mutex, including across process boundaries.
//
// The futex does not track which thread holds it, only whether some thread
// does. Locking it twice from the same thread deadlocks; that discipline is
// the caller's, by design. Whenever possible, use MustLock so the release
// is tied to the scope.
type LockableBinaryFutex struct {
	futex BinaryFutex
}

// NewLockableBinaryFutex returns an unlocked mutex. Set private to true
// only if the mutex never leaves the current process.
func NewLockableBinaryFutex(private bool) *LockableBinaryFutex {
	m := &LockableBinaryFutex{}
	m.Init(private)
	return m
}

// Init (re-)initializes m in place for placement into freshly mapped
// shared memory; must not be called while anyone can observe m.
func (m *LockableBinaryFutex) Init(private bool) {
	// Posted is the free state, so the first Lock claims the futex without
	// blocking.
	m.futex.Init(true, private)
}

// Lock blocks until the futex is free, then acquires it exclusively.
// Forwards any error from the underlying wait.
//
// Not real-time safe: the wait is unbounded.
func (m *LockableBinaryFutex) Lock() error {
	return m.futex.WaitUntil(time.Time{})
}

// Unlock releases the futex. Returns FailedPrecondition if the futex is
// not held.
//
// Real-time safe.
func (m *LockableBinaryFutex) Unlock() error {
	if !m.IsHeld() {
		return rtstatus.FailedPreconditionError("futex is not locked")
	}
	return m.futex.Post()
}

// TryLock acquires the futex without blocking and reports whether it
// succeeded.
//
// Real-time safe.
func (m *LockableBinaryFutex) TryLock() bool {
	return m.futex.TryWait()
}

// IsHeld reports whether the futex is currently held by some thread.
func (m *LockableBinaryFutex) IsHeld() bool {
	return m.futex.Value() == Ready
}

// AssertHeld dies if the futex is not held. Debug-mode stand-in for static
// lock analysis.
func (m *LockableBinaryFutex) AssertHeld() {
	if !m.IsHeld() {
		glog.Fatal("futex must be held at this point")
	}
}

// Destroy closes the underlying futex. Destroying a held lock is a
// programming defect, not a runtime condition, and is fatal.
func (m *LockableBinaryFutex) Destroy() {
	if m.IsHeld() {
		glog.Fatal("futex was not unlocked before destruction")
	}
	m.futex.Close()
}

// MustLock acquires m and returns the matching release func, dying if
// either step fails. Running guarded code without the lock, or leaving a
// scope with the lock held, is never recoverable.
//
// Usage:
//
//	defer futex.MustLock(&m)()
func MustLock(m *LockableBinaryFutex) (unlock func()) {
	if m == nil {
		glog.Fatal("MustLock called with nil mutex")
	}
	if err := m.Lock(); err != nil {
		glog.Fatalf("MustLock failed to acquire futex: %v", err)
	}
	return func() {
		if err := m.Unlock(); err != nil {
			glog.Fatalf("MustLock failed to release futex: %v", err)
		}
	}
}
