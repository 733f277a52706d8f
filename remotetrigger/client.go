package remotetrigger

import (
	"time"

	"github.com/intrinsic-dev/rtipc/futex"
	"github.com/intrinsic-dev/rtipc/rtstatus"
	"github.com/intrinsic-dev/rtipc/shm"
)

// Client triggers a Server in another process (or the same one).
//
// A client supports one outstanding trigger at a time; Trigger from
// multiple goroutines needs external serialization.
type Client struct {
	name        string
	requestSeg  *shm.Segment
	responseSeg *shm.Segment
	request     *futex.BinaryFutex
	response    *futex.BinaryFutex
}

// NewClient attaches to the futex segments of the named server. Returns
// NotFound until the server side created them.
func NewClient(namespace, serverName string) (*Client, error) {
	requestSeg, err := shm.OpenReadWrite(namespace, serverName+RequestSuffix)
	if err != nil {
		return nil, err
	}
	request, err := shm.FutexView(requestSeg)
	if err != nil {
		_ = requestSeg.Close()
		return nil, err
	}
	responseSeg, err := shm.OpenReadWrite(namespace, serverName+ResponseSuffix)
	if err != nil {
		_ = requestSeg.Close()
		return nil, err
	}
	response, err := shm.FutexView(responseSeg)
	if err != nil {
		_ = requestSeg.Close()
		_ = responseSeg.Close()
		return nil, err
	}
	return &Client{
		name:        serverName,
		requestSeg:  requestSeg,
		responseSeg: responseSeg,
		request:     request,
		response:    response,
	}, nil
}

// Trigger fires the server's callback and waits for its completion until
// the deadline. A zero deadline means no deadline.
//
// Returns DeadlineExceeded if the server does not respond in time (the
// request stays posted and the server may still serve it later), Aborted
// if the server shut down and closed its futexes.
func (c *Client) Trigger(deadline time.Time) error {
	if err := c.request.Post(); err != nil {
		return rtstatus.Wrapf(err, "triggering server %q", c.name)
	}
	return c.response.WaitUntil(deadline)
}

// TriggerFor is Trigger with a relative timeout. A negative timeout waits
// indefinitely.
func (c *Client) TriggerFor(timeout time.Duration) error {
	if timeout < 0 {
		return c.Trigger(time.Time{})
	}
	return c.Trigger(time.Now().Add(timeout))
}

// Close detaches from the server's segments.
func (c *Client) Close() error {
	err := c.requestSeg.Close()
	if cerr := c.responseSeg.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
