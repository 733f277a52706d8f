package futex

import (
	"time"

	"github.com/golang/glog"

	"github.com/intrinsic-dev/rtipc/rtstatus"
)

// Mutex is the lock surface Await operates on. LockableBinaryFutex is the
// production implementation; tests substitute instrumented ones.
type Mutex interface {
	Lock() error
	Unlock() error
	IsHeld() bool
}

var _ Mutex = (*LockableBinaryFutex)(nil)

// BinaryFutexConditionVariable is a condition variable for
// multiple-producer/single-consumer patterns across process boundaries.
// Only NotifyOne may be called from the real-time thread.
//
// There is deliberately no NotifyAll: waking an unknown number of waiters
// has unbounded worst-case latency, and the intended pattern parks at most
// one consumer in Await at a time.
//
// Example:
//
//	data := futex.NewConditionVariableData(0, true)
//
//	// Producer (may be the real-time thread for the NotifyOne calls).
//	unlock := futex.MustLock(&data.Mutex)
//	data.State = 1
//	unlock()
//	data.Cond.NotifyOne()
//
//	// Consumer.
//	unlock = futex.MustLock(&data.Mutex)
//	defer unlock()
//	err := data.Cond.Await(&data.Mutex, func() bool { return data.State == 1 },
//		time.Now().Add(5*time.Second))
type BinaryFutexConditionVariable struct {
	futex BinaryFutex
}

// NewConditionVariable returns a condition variable with no pending
// notification. Set private to true only if it never leaves the current
// process.
func NewConditionVariable(private bool) *BinaryFutexConditionVariable {
	cv := &BinaryFutexConditionVariable{}
	cv.Init(private)
	return cv
}

// Init (re-)initializes cv in place for placement into freshly mapped
// shared memory; must not be called while anyone can observe cv.
func (cv *BinaryFutexConditionVariable) Init(private bool) {
	cv.futex.Init(false, private)
}

// NotifyOne wakes one thread currently blocked in Await. If no thread is
// waiting the notification is retained and consumed by the next Await; a
// notify arriving between a waiter's predicate check and its wait call is
// therefore never lost. A burst of notifies without an intervening wake
// coalesces to a single pending one, matching the underlying futex's
// saturating post.
//
// Real-time safe.
func (cv *BinaryFutexConditionVariable) NotifyOne() error {
	return cv.futex.Post()
}

// Close permanently closes the condition variable. An ongoing or later
// Await returns Aborted. Idempotent.
func (cv *BinaryFutexConditionVariable) Close() {
	cv.futex.Close()
}

// Await blocks until cond is true or the deadline passes. A zero deadline
// means no deadline. mutex must protect the variables read by cond and
// must be held when calling; cond is only re-evaluated on entry and after
// each NotifyOne.
//
// The mutex is unlocked while waiting and re-locked before returning, on
// every return path, so the caller can always inspect the guarded state
// afterwards. cond is checked before the deadline: an already-true
// predicate succeeds even if the deadline has passed, without a single
// unlock.
//
// Returns FailedPrecondition if mutex is not held, DeadlineExceeded if the
// deadline passes first, Aborted if the condition variable is closed. Any
// other error means this instance is likely unusable.
//
// WARNING: another thread can hold up this function past its deadline by
// sitting on mutex.
func (cv *BinaryFutexConditionVariable) Await(mutex Mutex, cond func() bool, deadline time.Time) error {
	if mutex == nil {
		glog.Fatal("Await called with nil mutex")
	}
	if !mutex.IsHeld() {
		return rtstatus.FailedPreconditionError("mutex is not held when calling Await")
	}
	for !cond() {
		// Unlock so the notifying side can acquire the mutex and change the
		// condition data.
		if err := mutex.Unlock(); err != nil {
			_ = mutex.Lock() // hold the mutex on every exit path
			return err
		}
		// A NotifyOne between the Unlock above and this wait is not lost:
		// the futex wait hands the kernel the value it expects, so an
		// already-recorded post returns immediately.
		if err := cv.futex.WaitUntil(deadline); err != nil {
			_ = mutex.Lock()
			return err
		}
		// Re-lock before re-evaluating so the notifying side cannot change
		// the condition data mid-check.
		if err := mutex.Lock(); err != nil {
			return err
		}
	}
	return nil
}

// AwaitFor is Await with a relative timeout. A negative timeout waits
// indefinitely.
func (cv *BinaryFutexConditionVariable) AwaitFor(mutex Mutex, cond func() bool, timeout time.Duration) error {
	if timeout < 0 {
		return cv.Await(mutex, cond, time.Time{})
	}
	return cv.Await(mutex, cond, time.Now().Add(timeout))
}

// ConditionVariableData bundles a condition variable with the mutex and the
// state it guards, so the three cannot drift apart. State must only be
// touched with Mutex held.
type ConditionVariableData[StateType any] struct {
	// Mutex protects State and is the mutex to pass to Cond.Await.
	Mutex LockableBinaryFutex
	// Cond is the condition variable waiting on State.
	Cond BinaryFutexConditionVariable
	// State is the condition state. Guarded by Mutex.
	State StateType
}

// NewConditionVariableData returns a bundle with State set to initial. Set
// private to true only if the bundle never leaves the current process.
func NewConditionVariableData[StateType any](initial StateType, private bool) *ConditionVariableData[StateType] {
	d := &ConditionVariableData[StateType]{State: initial}
	d.Mutex.Init(private)
	d.Cond.Init(private)
	return d
}
