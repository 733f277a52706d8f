// Package lockstep enforces a strict A,B,A,B alternation between two
// operations, typically one on the real-time side and one on a non-real-time
// client, optionally across process boundaries through shared memory.
package lockstep

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/intrinsic-dev/rtipc/futex"
	"github.com/intrinsic-dev/rtipc/rtstatus"
)

// SizeofLockstep is the shared-memory footprint of a Lockstep.
const SizeofLockstep = 2*futex.SizeofBinaryFutex + 8

var _ [SizeofLockstep - unsafe.Sizeof(Lockstep{})]byte
var _ [unsafe.Sizeof(Lockstep{}) - SizeofLockstep]byte

// Local progress markers, used only to turn out-of-order End calls into
// FailedPrecondition instead of a silent protocol corruption.
const (
	idle uint32 = iota
	inOperationA
	inOperationB
)

// Lockstep alternates two operations: A runs first, then B, then A again.
// StartOperationA blocks until the previous B (or initialization) finished;
// EndOperationA hands over to B, and vice versa. Cancel permanently stops
// the alternation on both sides.
//
// One futex per direction. The operations themselves run outside any lock,
// the futexes only sequence the hand-over, so either side can be the
// real-time thread as long as its Start deadline is close.
type Lockstep struct {
	// Posted when it is A's turn.
	aTurn futex.BinaryFutex
	// Posted when it is B's turn.
	bTurn futex.BinaryFutex

	phase atomic.Uint32
	_     uint32
}

// NewLockstep returns a lockstep ready for the first StartOperationA. Set
// private to true only if both operations run in the current process.
func NewLockstep(private bool) *Lockstep {
	l := &Lockstep{}
	l.Init(private)
	return l
}

// Init (re-)initializes l in place for placement into freshly mapped
// shared memory; must not be called while anyone can observe l.
func (l *Lockstep) Init(private bool) {
	// A goes first.
	l.aTurn.Init(true, private)
	l.bTurn.Init(false, private)
	l.phase.Store(idle)
}

// StartOperationA blocks until it is A's turn or the deadline passes. A
// zero deadline means no deadline.
//
// Returns DeadlineExceeded on timeout (the turn is not consumed; a later
// call can still claim it), Aborted after Cancel.
func (l *Lockstep) StartOperationA(deadline time.Time) error {
	if err := l.aTurn.WaitUntil(deadline); err != nil {
		return err
	}
	l.phase.Store(inOperationA)
	return nil
}

// EndOperationA finishes A's operation and hands over to B. Returns
// FailedPrecondition without a matching StartOperationA.
func (l *Lockstep) EndOperationA() error {
	if !l.phase.CompareAndSwap(inOperationA, idle) {
		return rtstatus.FailedPreconditionError(
			"EndOperationA called without a matching StartOperationA")
	}
	return l.bTurn.Post()
}

// StartOperationB blocks until it is B's turn or the deadline passes. A
// zero deadline means no deadline.
func (l *Lockstep) StartOperationB(deadline time.Time) error {
	if err := l.bTurn.WaitUntil(deadline); err != nil {
		return err
	}
	l.phase.Store(inOperationB)
	return nil
}

// EndOperationB finishes B's operation and hands over to A. Returns
// FailedPrecondition without a matching StartOperationB.
func (l *Lockstep) EndOperationB() error {
	if !l.phase.CompareAndSwap(inOperationB, idle) {
		return rtstatus.FailedPreconditionError(
			"EndOperationB called without a matching StartOperationB")
	}
	return l.aTurn.Post()
}

// Cancel permanently stops the alternation. Both sides' pending and future
// Start calls return Aborted. Idempotent, callable from either side or a
// third party.
func (l *Lockstep) Cancel() {
	l.aTurn.Close()
	l.bTurn.Close()
}
