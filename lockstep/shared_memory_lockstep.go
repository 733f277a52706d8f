package lockstep

import (
	"unsafe"

	"github.com/intrinsic-dev/rtipc/rtstatus"
	"github.com/intrinsic-dev/rtipc/shm"
)

// SharedMemoryLockstep is a Lockstep placed in a named shared-memory
// segment so the two operations can live in different processes.
type SharedMemoryLockstep struct {
	segment  *shm.Segment
	lockstep *Lockstep
}

// CreateSharedMemoryLockstep creates the segment through the manager,
// initializes the lockstep in it and attaches to it. The manager unlinks
// the segment when it closes.
func CreateSharedMemoryLockstep(m *shm.Manager, name string) (*SharedMemoryLockstep, error) {
	payload, err := m.AddSegment(name, SizeofLockstep)
	if err != nil {
		return nil, err
	}
	l := (*Lockstep)(unsafe.Pointer(&payload[0]))
	l.Init(false)
	return GetSharedMemoryLockstep(m.Namespace(), name)
}

// GetSharedMemoryLockstep attaches to a lockstep segment created elsewhere.
func GetSharedMemoryLockstep(namespace, name string) (*SharedMemoryLockstep, error) {
	segment, err := shm.OpenReadWrite(namespace, name)
	if err != nil {
		return nil, err
	}
	if len(segment.Bytes()) < SizeofLockstep {
		_ = segment.Close()
		return nil, rtstatus.FailedPreconditionErrorf(
			"shm segment %q payload of %d bytes can't hold a lockstep", segment.Name(), len(segment.Bytes()))
	}
	return &SharedMemoryLockstep{
		segment:  segment,
		lockstep: (*Lockstep)(unsafe.Pointer(&segment.Bytes()[0])),
	}, nil
}

// Lockstep returns the underlying lockstep. Valid until Close.
func (s *SharedMemoryLockstep) Lockstep() *Lockstep { return s.lockstep }

// Connected reports whether both sides are attached, i.e. the segment has
// exactly two read-write accessors.
func (s *SharedMemoryLockstep) Connected() bool {
	return s.segment.Header().WriterRefCount() == 2
}

// Close detaches from the segment. The lockstep pointer becomes invalid.
func (s *SharedMemoryLockstep) Close() error {
	s.lockstep = nil
	return s.segment.Close()
}
