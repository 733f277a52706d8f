package shm

import (
	"sort"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/intrinsic-dev/rtipc/futex"
	"github.com/intrinsic-dev/rtipc/rtstatus"
)

// Manager owns a set of shared-memory segments. It is the only component
// that creates segments; everyone else attaches to existing ones. Closing
// the manager unlinks everything it created.
//
// A Manager has an explicit lifecycle controlled by the application; there
// is no process-global instance.
type Manager struct {
	namespace string
	module    string
	segments  map[string]*ownedSegment
}

type ownedSegment struct {
	fd     int
	mapped []byte
}

// NewManager returns a manager for segments of the given module. All
// segment names are prefixed with the namespace (which may be empty) so
// several deployments can share a machine. The module name can't be empty.
func NewManager(namespace, module string) (*Manager, error) {
	if module == "" {
		return nil, rtstatus.InvalidArgumentErrorf("module name can't be empty")
	}
	return &Manager{
		namespace: namespace,
		module:    module,
		segments:  make(map[string]*ownedSegment),
	}, nil
}

// Namespace returns the namespace all segments are created under.
func (m *Manager) Namespace() string { return m.namespace }

// ModuleName returns the module the manager was created for.
func (m *Manager) ModuleName() string { return m.module }

// AddSegment creates a fresh zeroed segment with room for payloadSize bytes
// after the header and returns the payload. The returned slice stays valid
// until Close.
//
// Returns AlreadyExists if a segment with the name exists (a previous owner
// may have crashed without unlinking; see Unlink), InvalidArgument for bad
// names or sizes.
func (m *Manager) AddSegment(name string, payloadSize int) ([]byte, error) {
	full := fileName(m.namespace, name)
	if err := verifyName(name); err != nil {
		return nil, err
	}
	if err := verifyName(full); err != nil {
		return nil, err
	}
	if payloadSize <= 0 {
		return nil, rtstatus.InvalidArgumentErrorf(
			"shm segment %q payload size must be positive, got %d", full, payloadSize)
	}
	if _, dup := m.segments[name]; dup {
		return nil, rtstatus.AlreadyExistsErrorf("shm segment %q already added", full)
	}

	fd, err := unix.Open(shmRoot+full, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, defaultPerm)
	if err != nil {
		if err == unix.EEXIST {
			return nil, rtstatus.AlreadyExistsErrorf("shm segment %q already exists", full)
		}
		return nil, rtstatus.InternalErrorf("shm_open %q: %v", full, err)
	}

	size := SizeofSegmentHeader + payloadSize
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(shmRoot + full)
		return nil, rtstatus.InternalErrorf("ftruncate %q: %v", full, err)
	}

	mapped, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(shmRoot + full)
		return nil, rtstatus.InternalErrorf("mmap %q: %v", full, err)
	}

	// A fresh ftruncate hands out zero pages, but a segment left over from
	// a crashed owner would not go through here (O_EXCL), so no extra
	// zeroing pass is needed.
	header := (*SegmentHeader)(unsafe.Pointer(&mapped[0]))
	header.init()

	m.segments[name] = &ownedSegment{fd: fd, mapped: mapped}
	return mapped[SizeofSegmentHeader:], nil
}

// AddFutexSegment creates a segment holding a single BinaryFutex and
// returns it, initialized to Posted if posted is true. The futex is shared
// across processes, never private.
func (m *Manager) AddFutexSegment(name string, posted bool) (*futex.BinaryFutex, error) {
	payload, err := m.AddSegment(name, futex.SizeofBinaryFutex)
	if err != nil {
		return nil, err
	}
	f := (*futex.BinaryFutex)(unsafe.Pointer(&payload[0]))
	f.Init(posted, false)
	return f, nil
}

// SegmentNames returns the names (without namespace prefix) of all segments
// the manager created, sorted.
func (m *Manager) SegmentNames() []string {
	names := make([]string, 0, len(m.segments))
	for name := range m.segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Payload returns the payload of a segment previously created with
// AddSegment. Returns NotFound for unknown names.
func (m *Manager) Payload(name string) ([]byte, error) {
	seg, ok := m.segments[name]
	if !ok {
		return nil, rtstatus.NotFoundErrorf(
			"shm segment %q not created by this manager", fileName(m.namespace, name))
	}
	return seg.mapped[SizeofSegmentHeader:], nil
}

// Close unmaps and unlinks every segment the manager created. Pointers
// handed out for the segments become invalid. Attached processes keep their
// own mappings until they close them.
//
// Teardown continues past individual failures so one bad segment can't
// leak the rest.
func (m *Manager) Close() {
	for name, seg := range m.segments {
		full := fileName(m.namespace, name)
		if err := unix.Munmap(seg.mapped); err != nil {
			glog.Warningf("Failed to unmap shm segment %q: %v. Continuing anyways.", full, err)
		}
		if err := unix.Close(seg.fd); err != nil {
			glog.Warningf("Failed to close shm fd for %q: %v. Continuing anyways.", full, err)
		}
		if err := unix.Unlink(shmRoot + full); err != nil {
			glog.Warningf("Failed to unlink shm segment %q: %v. Continuing anyways.", full, err)
		}
		delete(m.segments, name)
	}
}
