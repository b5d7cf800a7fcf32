package connmgr

import (
	"errors"
	"sync"
	"time"
)

// fakeConn is a minimal transport.Conn double. Writes are captured so
// tests can assert on pings sent by the heartbeat loop; pongHandler can
// be invoked directly by a test to simulate a received pong without
// round-tripping a real control frame.
type fakeConn struct {
	mu          sync.Mutex
	closed      bool
	writes      chan []byte
	readCh      chan []byte
	pongHandler func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes: make(chan []byte, 64),
		readCh: make(chan []byte),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.readCh
	if !ok {
		return 0, nil, errors.New("fakeConn closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn closed")
	}
	select {
	case c.writes <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)               {}

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongHandler = h
}

func (c *fakeConn) triggerPong() {
	c.mu.Lock()
	h := c.pongHandler
	c.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.readCh)
	return nil
}
