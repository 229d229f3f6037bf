package clobws

import (
	"context"
	"sync"

	"github.com/polymarket/subscriptions-core/pkg/streaming"
)

// fakeConn is a minimal in-memory streaming.Conn used only to exercise the
// facade's fan-out/demux logic without a real socket.
type fakeConn struct {
	mu        sync.Mutex
	state     streaming.ConnState
	onMessage func([]byte)
	onClose   func(int, string)
	onError   func(error)
	sent      [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: streaming.ConnOpen}
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
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) WritePing() error { return nil }

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.state = streaming.ConnClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) State() streaming.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) deliver(data []byte) {
	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()
	if onMessage != nil {
		onMessage(data)
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	dialed []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) enqueue(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (streaming.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, url)
	if len(d.conns) == 0 {
		return newFakeConn(), nil
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}
