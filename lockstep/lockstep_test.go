package lockstep

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrinsic-dev/rtipc/rtstatus"
	"github.com/intrinsic-dev/rtipc/shm"
)

func TestAlternation(t *testing.T) {
	l := NewLockstep(true)
	deadline := time.Now().Add(5 * time.Second)

	const rounds = 100
	sequence := make(chan byte, 2*rounds)

	go func() {
		for i := 0; i < rounds; i++ {
			if err := l.StartOperationB(deadline); err != nil {
				return
			}
			sequence <- 'b'
			assert.NoError(t, l.EndOperationB())
		}
	}()

	for i := 0; i < rounds; i++ {
		require.NoError(t, l.StartOperationA(deadline))
		sequence <- 'a'
		require.NoError(t, l.EndOperationA())
	}
	// A starts the final hand-over; wait for B to drain it.
	require.NoError(t, l.StartOperationA(deadline))

	close(sequence)
	want := byte('a')
	for got := range sequence {
		assert.Equal(t, string(want), string(got))
		if want == 'a' {
			want = 'b'
		} else {
			want = 'a'
		}
	}
}

func TestEndWithoutStart(t *testing.T) {
	l := NewLockstep(true)
	assert.True(t, rtstatus.IsFailedPrecondition(l.EndOperationA()))
	assert.True(t, rtstatus.IsFailedPrecondition(l.EndOperationB()))

	require.NoError(t, l.StartOperationA(time.Time{}))
	// Ending the wrong side is also a contract violation.
	assert.True(t, rtstatus.IsFailedPrecondition(l.EndOperationB()))
	require.NoError(t, l.EndOperationA())
	assert.True(t, rtstatus.IsFailedPrecondition(l.EndOperationA()))
}

func TestStartTimesOut(t *testing.T) {
	l := NewLockstep(true)
	// It is A's turn, so B times out.
	err := l.StartOperationB(time.Now().Add(50 * time.Millisecond))
	assert.True(t, rtstatus.IsDeadlineExceeded(err))
	// The turn is not consumed; A can still start.
	require.NoError(t, l.StartOperationA(time.Time{}))
}

func TestCancelAbortsBothSides(t *testing.T) {
	l := NewLockstep(true)

	waiting := make(chan error, 1)
	go func() {
		waiting <- l.StartOperationB(time.Now().Add(5 * time.Second))
	}()

	time.Sleep(10 * time.Millisecond)
	l.Cancel()
	l.Cancel()

	assert.True(t, rtstatus.IsAborted(<-waiting))
	assert.True(t, rtstatus.IsAborted(l.StartOperationA(time.Time{})))
	assert.True(t, rtstatus.IsAborted(l.StartOperationB(time.Time{})))
}

func TestSharedMemoryLockstep(t *testing.T) {
	ns := fmt.Sprintf("rtipc-test-%d-%s", os.Getpid(), t.Name())
	m, err := shm.NewManager(ns, "test-module")
	require.NoError(t, err)
	defer m.Close()

	side1, err := CreateSharedMemoryLockstep(m, "cycle")
	require.NoError(t, err)
	assert.False(t, side1.Connected())

	side2, err := GetSharedMemoryLockstep(ns, "cycle")
	require.NoError(t, err)
	assert.True(t, side1.Connected())
	assert.True(t, side2.Connected())

	deadline := time.Now().Add(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if !assert.NoError(t, side2.Lockstep().StartOperationB(deadline)) {
				return
			}
			if !assert.NoError(t, side2.Lockstep().EndOperationB()) {
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, side1.Lockstep().StartOperationA(deadline))
		require.NoError(t, side1.Lockstep().EndOperationA())
	}
	<-done

	require.NoError(t, side2.Close())
	assert.False(t, side1.Connected())
	require.NoError(t, side1.Close())
}
