package streaming

import (
	"context"
	"sync"
)

// fakeConn is a deterministic, in-memory Conn used by every test in this
// package that needs to drive a group or user socket without a real
// network endpoint. Tests push inbound frames with deliver and observe
// outbound frames via sent.
type fakeConn struct {
	mu        sync.Mutex
	state     ConnState
	onMessage func([]byte)
	onClose   func(int, string)
	onError   func(error)

	sent    [][]byte
	pings   int
	closed  bool
	closeCd int
	closeRs string

	dialErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: ConnOpen}
}

func (c *fakeConn) SetHandlers(onMessage func([]byte), onClose func(int, string), onError func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = onMessage
	c.onClose = onClose
	c.onError = onError
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCd = code
	c.closeRs = reason
	c.state = ConnClosed
	return nil
}

func (c *fakeConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// deliver feeds one inbound text frame to whatever handler is currently
// registered, simulating a message arriving from upstream.
func (c *fakeConn) deliver(data []byte) {
	c.mu.Lock()
	h := c.onMessage
	c.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// remoteClose simulates the upstream closing the connection.
func (c *fakeConn) remoteClose(code int, reason string) {
	c.mu.Lock()
	c.state = ConnClosed
	h := c.onClose
	c.mu.Unlock()
	if h != nil {
		h(code, reason)
	}
}

// remoteError simulates a transport-level read error.
func (c *fakeConn) remoteError(err error) {
	c.mu.Lock()
	c.state = ConnClosed
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// fakeDialer hands out fakeConns from a queue, in call order, and records
// every dialed URL. Each failNext call queues one error; queued errors make
// the following Dial calls fail, one error per call, in order.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dialed   []string
	nextErrs []error
}

func newFakeDialer() *fakeDialer { return &fakeDialer{} }

func (d *fakeDialer) enqueue(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) failNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextErrs = append(d.nextErrs, err)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, url)
	if len(d.nextErrs) > 0 {
		err := d.nextErrs[0]
		d.nextErrs = d.nextErrs[1:]
		return nil, err
	}
	if len(d.conns) == 0 {
		c := newFakeConn()
		return c, nil
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}
