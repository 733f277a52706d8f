// Package remotetrigger lets a process fire a callback in another process
// and wait for its completion, using a pair of binary futexes in shared
// memory. The server owns a `<name>.req` and a `<name>.res` futex segment;
// a trigger posts the request futex and waits on the response futex.
//
// No payload crosses the boundary. Callers that need data alongside the
// trigger place it in their own segments and use the trigger only as the
// synchronization edge.
package remotetrigger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/intrinsic-dev/rtipc/futex"
	"github.com/intrinsic-dev/rtipc/rtstatus"
	"github.com/intrinsic-dev/rtipc/shm"
)

const (
	// RequestSuffix names the request futex segment of a trigger server.
	RequestSuffix = ".req"
	// ResponseSuffix names the response futex segment of a trigger server.
	ResponseSuffix = ".res"
)

// pollSlice bounds each kernel wait in the server loop so Stop is honored
// promptly even when no trigger arrives.
const pollSlice = 100 * time.Millisecond

// Callback runs on the server whenever a trigger arrives, before the
// response is posted.
type Callback func()

// Server executes a callback whenever a client triggers it.
type Server struct {
	name     string
	callback Callback
	request  *futex.BinaryFutex
	response *futex.BinaryFutex

	// Guards the start/stop transitions; the serving loop itself only
	// reads the running flag.
	mu      sync.Mutex
	running atomic.Bool
	done    chan struct{}
}

// NewServer creates the request and response futex segments through the
// manager and returns a server ready to Start. The segments live until the
// manager closes; name must be unique within the manager.
func NewServer(m *shm.Manager, name string, callback Callback) (*Server, error) {
	if callback == nil {
		return nil, rtstatus.InvalidArgumentErrorf("trigger server %q needs a callback", name)
	}
	request, err := m.AddFutexSegment(name+RequestSuffix, false)
	if err != nil {
		return nil, err
	}
	response, err := m.AddFutexSegment(name+ResponseSuffix, false)
	if err != nil {
		return nil, err
	}
	return &Server{
		name:     name,
		callback: callback,
		request:  request,
		response: response,
	}, nil
}

// Start runs the serving loop on the calling goroutine until Stop is called
// or the futexes are closed. A server that is already started returns
// immediately.
func (s *Server) Start() {
	s.mu.Lock()
	if s.running.Load() {
		s.mu.Unlock()
		return
	}
	s.done = make(chan struct{})
	s.running.Store(true)
	s.mu.Unlock()
	s.run()
}

// StartAsync runs the serving loop on its own goroutine. A server that is
// already started returns immediately.
func (s *Server) StartAsync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return
	}
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.run()
}

// IsStarted reports whether the serving loop is running.
func (s *Server) IsStarted() bool { return s.running.Load() }

// Stop ends the serving loop and waits for it to drain. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	s.running.Store(false)
	<-s.done
	s.done = nil
}

func (s *Server) run() {
	defer close(s.done)
	for s.running.Load() {
		err := s.request.WaitFor(pollSlice)
		if rtstatus.IsDeadlineExceeded(err) {
			// No trigger in this slice; re-check the running flag.
			continue
		}
		if rtstatus.IsAborted(err) {
			glog.Infof("Trigger server %q: request futex closed, shutting down.", s.name)
			s.running.Store(false)
			return
		}
		if err != nil {
			glog.Errorf("Trigger server %q failed to wait for request: %v", s.name, err)
			s.running.Store(false)
			return
		}
		s.callback()
		if err := s.response.Post(); err != nil {
			glog.Errorf("Trigger server %q failed to post response: %v", s.name, err)
			s.running.Store(false)
			return
		}
	}
}

// Query serves at most one pending trigger without starting the loop.
// Reports whether a trigger was served. Returns false while the serving
// loop is running, when no trigger arrives within one poll slice, and on
// errors.
func (s *Server) Query() bool {
	if s.running.Load() {
		return false
	}
	err := s.request.WaitFor(pollSlice)
	if rtstatus.IsDeadlineExceeded(err) {
		return false
	}
	if err != nil {
		glog.Errorf("Trigger server %q failed to wait for request: %v", s.name, err)
		return false
	}
	s.callback()
	if err := s.response.Post(); err != nil {
		glog.Errorf("Trigger server %q failed to post response: %v", s.name, err)
		return false
	}
	return true
}
