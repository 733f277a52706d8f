package futex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrinsic-dev/rtipc/rtstatus"
)

func TestLockUnlock(t *testing.T) {
	m := NewLockableBinaryFutex(true)
	assert.False(t, m.IsHeld())

	require.NoError(t, m.Lock())
	assert.True(t, m.IsHeld())

	require.NoError(t, m.Unlock())
	assert.False(t, m.IsHeld())
}

func TestUnlockWithoutLock(t *testing.T) {
	m := NewLockableBinaryFutex(true)
	err := m.Unlock()
	assert.True(t, rtstatus.IsFailedPrecondition(err))

	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
	// A second unlock without an intervening lock fails the same way.
	assert.True(t, rtstatus.IsFailedPrecondition(m.Unlock()))
}

func TestTryLock(t *testing.T) {
	m := NewLockableBinaryFutex(true)
	assert.True(t, m.TryLock())
	assert.True(t, m.IsHeld())
	assert.False(t, m.TryLock())
	require.NoError(t, m.Unlock())
	assert.True(t, m.TryLock())
	require.NoError(t, m.Unlock())
}

func TestLockBlocksUntilFree(t *testing.T) {
	m := NewLockableBinaryFutex(true)
	require.NoError(t, m.Lock())

	locked := make(chan struct{})
	go func() {
		assert.NoError(t, m.Lock())
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("Lock() succeeded while the futex was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock())
	select {
	case <-locked:
	case <-time.After(5 * time.Second):
		t.Fatal("Lock() did not wake up after Unlock()")
	}
	require.NoError(t, m.Unlock())
}

func TestMutualExclusion(t *testing.T) {
	m := NewLockableBinaryFutex(true)
	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				unlock := MustLock(m)
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*500, counter)
	assert.False(t, m.IsHeld())
}

func TestMustLockReleasesOnEveryPath(t *testing.T) {
	m := NewLockableBinaryFutex(true)
	func() {
		defer MustLock(m)()
		assert.True(t, m.IsHeld())
	}()
	assert.False(t, m.IsHeld())

	// Early return inside the guarded scope still releases.
	f := func(abort bool) {
		defer MustLock(m)()
		if abort {
			return
		}
	}
	f(true)
	assert.False(t, m.IsHeld())
}

func TestDestroyUnlocked(t *testing.T) {
	m := NewLockableBinaryFutex(true)
	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
	m.Destroy()
	// The underlying futex is closed; locking can never succeed again.
	assert.True(t, rtstatus.IsAborted(m.Lock()))
}
