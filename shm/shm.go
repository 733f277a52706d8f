// Package shm manages named POSIX shared-memory segments used to place
// synchronization primitives and payload data where multiple processes can
// map them.
//
// Every segment starts with a SegmentHeader followed by the payload. The
// owner side creates segments through a Manager, which unlinks them again
// on Close; client processes attach through OpenReadWrite/OpenReadOnly.
package shm

import (
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intrinsic-dev/rtipc/rtstatus"
)

const shmRoot = "/dev/shm/"

const defaultPerm = 0o666

// MaxSegmentNameLen bounds the combined namespace-qualified segment name,
// leaving room for the NUL that other runtimes append.
const MaxSegmentNameLen = 254

// headerMagic marks a segment whose header has been initialized by a
// Manager. Little-endian "RTPC".
const headerMagic uint32 = 0x43505452

// SizeofSegmentHeader is the byte offset of the payload in every segment.
// Fixed so that independent processes mapping the same segment agree on the
// layout.
const SizeofSegmentHeader = 32

var _ [SizeofSegmentHeader - unsafe.Sizeof(SegmentHeader{})]byte
var _ [unsafe.Sizeof(SegmentHeader{}) - SizeofSegmentHeader]byte

// SegmentHeader sits at the start of every shared-memory segment. All
// fields are atomics since two processes update them concurrently.
type SegmentHeader struct {
	magic      atomic.Uint32
	writerRefs atomic.Int32
	readerRefs atomic.Int32
	_          uint32
	// Wall-clock time of the last payload update, nanoseconds since epoch.
	updatedNanos atomic.Int64
	// Control cycle of the last payload update.
	cycle atomic.Uint64
}

func (h *SegmentHeader) init() {
	h.magic.Store(headerMagic)
	h.writerRefs.Store(0)
	h.readerRefs.Store(0)
	h.updatedNanos.Store(0)
	h.cycle.Store(0)
}

func (h *SegmentHeader) initialized() bool {
	return h.magic.Load() == headerMagic
}

// WriterRefCount returns the number of attached read-write accessors.
func (h *SegmentHeader) WriterRefCount() int {
	return int(h.writerRefs.Load())
}

// ReaderRefCount returns the number of attached read-only accessors.
func (h *SegmentHeader) ReaderRefCount() int {
	return int(h.readerRefs.Load())
}

// UpdatedAt records that the payload was updated at the given time during
// the given control cycle.
func (h *SegmentHeader) UpdatedAt(t time.Time, cycle uint64) {
	h.updatedNanos.Store(t.UnixNano())
	h.cycle.Store(cycle)
}

// UpdateStamp returns the time and control cycle of the last UpdatedAt.
// The zero time means the payload was never stamped.
func (h *SegmentHeader) UpdateStamp() (time.Time, uint64) {
	nanos := h.updatedNanos.Load()
	if nanos == 0 {
		return time.Time{}, h.cycle.Load()
	}
	return time.Unix(0, nanos), h.cycle.Load()
}

// verifyName rejects names that cannot become a shm object path.
func verifyName(name string) error {
	if name == "" {
		return rtstatus.InvalidArgumentErrorf("shm segment name cannot be empty")
	}
	if len(name) > MaxSegmentNameLen {
		return rtstatus.InvalidArgumentErrorf(
			"shm segment name %q can't exceed %d characters", name, MaxSegmentNameLen)
	}
	if strings.ContainsAny(name, "/\x00") {
		return rtstatus.InvalidArgumentErrorf(
			"shm segment name %q can't contain slashes or NUL", name)
	}
	return nil
}

// fileName returns the object name under /dev/shm for a segment.
func fileName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

// Exists reports whether a segment with the given name exists in the
// namespace.
func Exists(namespace, name string) (bool, error) {
	if err := verifyName(fileName(namespace, name)); err != nil {
		return false, err
	}
	var st unix.Stat_t
	err := unix.Stat(shmRoot+fileName(namespace, name), &st)
	if err == unix.ENOENT {
		return false, nil
	}
	if err != nil {
		return false, rtstatus.InternalErrorf("stat shm segment: %v", err)
	}
	return true, nil
}

// Unlink removes the named segment. Mappings held by attached processes
// stay valid until they unmap.
func Unlink(namespace, name string) error {
	if err := verifyName(fileName(namespace, name)); err != nil {
		return err
	}
	if err := unix.Unlink(shmRoot + fileName(namespace, name)); err != nil {
		if err == unix.ENOENT {
			return rtstatus.NotFoundErrorf("shm segment %q does not exist", fileName(namespace, name))
		}
		return rtstatus.InternalErrorf("unlink shm segment: %v", err)
	}
	return nil
}
