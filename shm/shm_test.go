package shm

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrinsic-dev/rtipc/futex"
	"github.com/intrinsic-dev/rtipc/rtstatus"
)

// testNamespace returns a namespace unique to the test so parallel runs
// don't collide in /dev/shm.
func testNamespace(t *testing.T) string {
	return fmt.Sprintf("rtipc-test-%d-%s", os.Getpid(), t.Name())
}

func TestManagerLifecycle(t *testing.T) {
	ns := testNamespace(t)
	m, err := NewManager(ns, "test-module")
	require.NoError(t, err)
	assert.Equal(t, ns, m.Namespace())
	assert.Equal(t, "test-module", m.ModuleName())

	payload, err := m.AddSegment("data", 64)
	require.NoError(t, err)
	assert.Len(t, payload, 64)

	exists, err := Exists(ns, "data")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, []string{"data"}, m.SegmentNames())

	got, err := m.Payload("data")
	require.NoError(t, err)
	assert.Same(t, &payload[0], &got[0])

	_, err = m.Payload("nope")
	assert.True(t, rtstatus.IsNotFound(err))

	m.Close()
	exists, err = Exists(ns, "data")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManagerRejectsBadInput(t *testing.T) {
	_, err := NewManager("ns", "")
	assert.Error(t, err)

	m, err := NewManager(testNamespace(t), "test-module")
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AddSegment("", 16)
	assert.Error(t, err)
	_, err = m.AddSegment("with/slash", 16)
	assert.Error(t, err)
	_, err = m.AddSegment("zero", 0)
	assert.Error(t, err)

	_, err = m.AddSegment("dup", 16)
	require.NoError(t, err)
	_, err = m.AddSegment("dup", 16)
	assert.Error(t, err)
}

func TestOpenAndRefCounts(t *testing.T) {
	ns := testNamespace(t)
	m, err := NewManager(ns, "test-module")
	require.NoError(t, err)
	defer m.Close()

	payload, err := m.AddSegment("counts", 16)
	require.NoError(t, err)
	copy(payload, "hello")

	rw, err := OpenReadWrite(ns, "counts")
	require.NoError(t, err)
	ro, err := OpenReadOnly(ns, "counts")
	require.NoError(t, err)

	assert.Equal(t, 1, rw.Header().WriterRefCount())
	assert.Equal(t, 1, rw.Header().ReaderRefCount())
	assert.Equal(t, []byte("hello"), ro.Bytes()[:5])

	require.NoError(t, ro.Close())
	assert.Equal(t, 0, rw.Header().ReaderRefCount())
	require.NoError(t, rw.Close())
}

func TestOpenMissingSegment(t *testing.T) {
	_, err := OpenReadWrite(testNamespace(t), "missing")
	assert.True(t, rtstatus.IsNotFound(err))
}

func TestUpdateStamp(t *testing.T) {
	ns := testNamespace(t)
	m, err := NewManager(ns, "test-module")
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AddSegment("stamped", 16)
	require.NoError(t, err)

	rw, err := OpenReadWrite(ns, "stamped")
	require.NoError(t, err)
	defer rw.Close()

	updated, cycle := rw.Header().UpdateStamp()
	assert.True(t, updated.IsZero())
	assert.Zero(t, cycle)

	now := time.Now()
	require.NoError(t, rw.UpdatedAt(now, 42))
	updated, cycle = rw.Header().UpdateStamp()
	assert.Equal(t, now.UnixNano(), updated.UnixNano())
	assert.Equal(t, uint64(42), cycle)

	ro, err := OpenReadOnly(ns, "stamped")
	require.NoError(t, err)
	defer ro.Close()
	assert.True(t, rtstatus.IsFailedPrecondition(ro.UpdatedAt(now, 43)))
}

func TestFutexAcrossAttachments(t *testing.T) {
	ns := testNamespace(t)
	m, err := NewManager(ns, "test-module")
	require.NoError(t, err)
	defer m.Close()

	owner, err := m.AddFutexSegment("signal", false)
	require.NoError(t, err)

	seg, err := OpenReadWrite(ns, "signal")
	require.NoError(t, err)
	defer seg.Close()
	attached, err := FutexView(seg)
	require.NoError(t, err)

	// Same cell, two mappings: a post through one wakes a wait on the
	// other. This is the whole point of the layout contract.
	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, owner.Post())
	}()
	require.NoError(t, attached.WaitFor(5*time.Second))
	assert.Equal(t, futex.Ready, owner.Value())
}

func TestUnlink(t *testing.T) {
	ns := testNamespace(t)
	err := Unlink(ns, "never-created")
	assert.True(t, rtstatus.IsNotFound(err))

	m, err := NewManager(ns, "test-module")
	require.NoError(t, err)
	_, err = m.AddSegment("leftover", 16)
	require.NoError(t, err)

	// Simulates cleaning up after a crashed owner.
	require.NoError(t, Unlink(ns, "leftover"))
	exists, err := Exists(ns, "leftover")
	require.NoError(t, err)
	assert.False(t, exists)
	m.Close()
}
