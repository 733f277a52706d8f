package shm

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intrinsic-dev/rtipc/futex"
	"github.com/intrinsic-dev/rtipc/rtstatus"
)

// Segment is an attachment to a shared-memory segment created elsewhere by
// a Manager. Read-only vs read-write is an accounting distinction recorded
// in the segment header, not a page protection: even a read-only attachment
// must write the futex word and the reader ref count.
type Segment struct {
	name     string
	fd       int
	mapped   []byte
	readOnly bool
}

// OpenReadWrite attaches to an existing segment for reading and writing,
// bumping the writer ref count.
//
// Returns NotFound if no such segment exists, FailedPrecondition if the
// segment was never initialized by a Manager or is too small to hold a
// header.
func OpenReadWrite(namespace, name string) (*Segment, error) {
	return open(namespace, name, false)
}

// OpenReadOnly attaches to an existing segment for reading, bumping the
// reader ref count.
func OpenReadOnly(namespace, name string) (*Segment, error) {
	return open(namespace, name, true)
}

func open(namespace, name string, readOnly bool) (*Segment, error) {
	full := fileName(namespace, name)
	if err := verifyName(full); err != nil {
		return nil, err
	}
	fd, err := unix.Open(shmRoot+full, unix.O_RDWR, defaultPerm)
	if err != nil {
		if err == unix.ENOENT {
			return nil, rtstatus.NotFoundErrorf("shm segment %q does not exist", full)
		}
		return nil, rtstatus.InternalErrorf("shm_open %q: %v", full, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, rtstatus.InternalErrorf("fstat %q: %v", full, err)
	}
	// Header plus at least one payload byte.
	if st.Size <= SizeofSegmentHeader {
		_ = unix.Close(fd)
		return nil, rtstatus.FailedPreconditionErrorf(
			"shm segment %q of size %d is too small to hold a segment header", full, st.Size)
	}

	mapped, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, rtstatus.InternalErrorf("mmap %q: %v", full, err)
	}

	s := &Segment{name: full, fd: fd, mapped: mapped, readOnly: readOnly}
	if !s.Header().initialized() {
		_ = unix.Munmap(mapped)
		_ = unix.Close(fd)
		return nil, rtstatus.FailedPreconditionErrorf(
			"shm segment %q was not initialized by a segment manager", full)
	}
	if readOnly {
		s.Header().readerRefs.Add(1)
	} else {
		s.Header().writerRefs.Add(1)
	}
	return s, nil
}

// Name returns the namespace-qualified segment name.
func (s *Segment) Name() string { return s.name }

// Header returns the segment header.
func (s *Segment) Header() *SegmentHeader {
	return (*SegmentHeader)(unsafe.Pointer(&s.mapped[0]))
}

// Bytes returns the payload, everything after the header. The slice stays
// valid until Close.
func (s *Segment) Bytes() []byte {
	return s.mapped[SizeofSegmentHeader:]
}

// UpdatedAt stamps the header with the time and control cycle of a payload
// update. Returns FailedPrecondition on a read-only attachment.
func (s *Segment) UpdatedAt(t time.Time, cycle uint64) error {
	if s.readOnly {
		return rtstatus.FailedPreconditionErrorf(
			"shm segment %q is attached read-only", s.name)
	}
	s.Header().UpdatedAt(t, cycle)
	return nil
}

// Close drops the ref count taken at open time and unmaps the segment.
// Pointers into the segment become invalid.
func (s *Segment) Close() error {
	if s.mapped == nil {
		return nil
	}
	if s.readOnly {
		s.Header().readerRefs.Add(-1)
	} else {
		s.Header().writerRefs.Add(-1)
	}
	err := unix.Munmap(s.mapped)
	s.mapped = nil
	if cerr := unix.Close(s.fd); cerr != nil && err == nil {
		err = cerr
	}
	s.fd = -1
	if err != nil {
		return rtstatus.InternalErrorf("closing shm segment %q: %v", s.name, err)
	}
	return nil
}

// FutexView interprets the payload of s as a single BinaryFutex placed
// there by Manager.AddFutexSegment. The futex must already be initialized;
// this never calls Init.
func FutexView(s *Segment) (*futex.BinaryFutex, error) {
	if len(s.Bytes()) < futex.SizeofBinaryFutex {
		return nil, rtstatus.FailedPreconditionErrorf(
			"shm segment %q payload of %d bytes can't hold a binary futex", s.name, len(s.Bytes()))
	}
	return (*futex.BinaryFutex)(unsafe.Pointer(&s.Bytes()[0])), nil
}
