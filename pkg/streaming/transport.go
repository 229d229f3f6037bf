package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of one transport connection.
type ConnState int

const (
	ConnOpen ConnState = iota
	ConnClosed
)

// Conn is one open duplex connection to an upstream endpoint. A group or
// user socket owns exactly one Conn at a time and replaces it wholesale on
// reconnect rather than mutating it in place.
//
// SetHandlers must be called once, immediately after a successful Dial,
// before any frame is sent. Handlers may be replaced with no-ops by calling
// SetHandlers(nil, nil, nil); this is how callers detach a retired
// connection's listeners without closing its socket.
type Conn interface {
	SetHandlers(onMessage func(data []byte), onClose func(code int, reason string), onError func(err error))
	WriteText(data []byte) error
	WritePing() error
	Close(code int, reason string) error
	State() ConnState
}

// Dialer opens a new Conn to a channel endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// gorillaDialer is the production Dialer backed by github.com/gorilla/websocket.
type gorillaDialer struct {
	underlying *websocket.Dialer
}

// NewGorillaDialer returns a Dialer using gorilla/websocket's default dial
// configuration plus a handshake timeout.
func NewGorillaDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &gorillaDialer{underlying: &websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

func (d *gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := d.underlying.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &gorillaConn{ws: ws, state: ConnOpen, stopRead: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// gorillaConn adapts one *websocket.Conn to the Conn interface, running its
// own read pump and serializing writes under a mutex as required by the
// underlying library.
type gorillaConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	state     ConnState
	onMessage func(data []byte)
	onClose   func(code int, reason string)
	onError   func(err error)

	closeOnce sync.Once
	stopRead  chan struct{}
}

func (c *gorillaConn) SetHandlers(onMessage func([]byte), onClose func(int, string), onError func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = onMessage
	c.onClose = onClose
	c.onError = onError
}

func (c *gorillaConn) handlers() (func([]byte), func(int, string), func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage, c.onClose, c.onError
}

func (c *gorillaConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.markClosed()
			_, onClose, onError := c.handlers()
			if ce, ok := err.(*websocket.CloseError); ok {
				if onClose != nil {
					onClose(ce.Code, ce.Text)
				}
			} else if onError != nil {
				onError(err)
			}
			return
		}
		onMessage, _, _ := c.handlers()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *gorillaConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *gorillaConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.markClosed()
		c.writeMu.Lock()
		deadline := time.Now().Add(2 * time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *gorillaConn) markClosed() {
	c.mu.Lock()
	c.state = ConnClosed
	c.mu.Unlock()
}

func (c *gorillaConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
