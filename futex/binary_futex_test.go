package futex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrinsic-dev/rtipc/rtstatus"
)

func TestPostSaturates(t *testing.T) {
	f := NewBinaryFutex(false, true)
	require.NoError(t, f.Post())
	require.NoError(t, f.Post())
	require.NoError(t, f.Post())

	// Only one post is recorded, no matter how many were issued.
	assert.NoError(t, f.WaitFor(0))
	assert.False(t, f.TryWait())
	assert.Equal(t, Ready, f.Value())
}

func TestConstructedPosted(t *testing.T) {
	f := NewBinaryFutex(true, true)
	assert.Equal(t, Posted, f.Value())
	assert.True(t, f.TryWait())
	assert.False(t, f.TryWait())
	assert.Equal(t, Ready, f.Value())
}

func TestWaitUntilPastDeadline(t *testing.T) {
	f := NewBinaryFutex(false, true)
	start := time.Now()
	err := f.WaitUntil(time.Now().Add(-time.Hour))
	assert.True(t, rtstatus.IsDeadlineExceeded(err))
	// Must not have blocked.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitChecksValueBeforeDeadline(t *testing.T) {
	f := NewBinaryFutex(true, true)
	// Already posted, so the long-gone deadline is never looked at.
	assert.NoError(t, f.WaitUntil(time.Now().Add(-time.Hour)))
}

func TestWaitForTimesOut(t *testing.T) {
	f := NewBinaryFutex(false, true)
	start := time.Now()
	err := f.WaitFor(50 * time.Millisecond)
	assert.True(t, rtstatus.IsDeadlineExceeded(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPostWakesWaiter(t *testing.T) {
	f := NewBinaryFutex(false, true)
	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, f.Post())
	}()
	assert.NoError(t, f.WaitFor(5*time.Second))
	assert.Equal(t, Ready, f.Value())
}

func TestCloseWakesWaiter(t *testing.T) {
	f := NewBinaryFutex(false, true)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Close()
	}()
	err := f.WaitFor(5 * time.Second)
	assert.True(t, rtstatus.IsAborted(err))
}

func TestCloseIsAbsorbing(t *testing.T) {
	f := NewBinaryFutex(false, true)
	f.Close()
	f.Close()

	assert.Equal(t, Closed, f.Value())
	assert.False(t, f.TryWait())
	// Post must not resurrect a waitable state.
	assert.NoError(t, f.Post())
	assert.Equal(t, Closed, f.Value())
	assert.True(t, rtstatus.IsAborted(f.WaitFor(0)))
	assert.True(t, rtstatus.IsAborted(f.WaitFor(-1)))
	assert.Equal(t, Closed, f.Value())
}

func TestCloseWinsRaceWithPost(t *testing.T) {
	// Close uses an exchange, so no interleaving of a racing Post can
	// leave the futex waitable. Hammer the race a few thousand times.
	for i := 0; i < 5000; i++ {
		f := NewBinaryFutex(false, true)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.Post()
		}()
		go func() {
			defer wg.Done()
			f.Close()
		}()
		wg.Wait()
		assert.Equal(t, Closed, f.Value())
	}
}

func TestEveryPostObservedOnce(t *testing.T) {
	f := NewBinaryFutex(false, true)
	const rounds = 1000
	done := make(chan error, 1)
	go func() {
		for i := 0; i < rounds; i++ {
			if err := f.WaitFor(5 * time.Second); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for i := 0; i < rounds; i++ {
		require.NoError(t, f.Post())
		// Let the waiter drain; posts between waits saturate and would
		// otherwise collapse.
		for f.Value() == Posted {
			time.Sleep(time.Microsecond)
		}
	}
	require.NoError(t, <-done)
}

func TestSharedFutexBetweenGoroutines(t *testing.T) {
	// The non-private syscall variant, as used through shared memory.
	f := NewBinaryFutex(false, false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, f.Post())
	}()
	assert.NoError(t, f.WaitUntil(time.Now().Add(5*time.Second)))
}
