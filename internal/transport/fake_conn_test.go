package transport

import (
	"errors"
	"sync"
	"time"
)

// fakeConn is an in-memory Conn for tests: a channel pair standing in
// for a websocket, no real socket involved.
type fakeConn struct {
	toClient   chan []byte
	fromClient chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeConnPair() (*fakeConn, *fakeConn) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	client := &fakeConn{toClient: a, fromClient: b}
	server := &fakeConn{toClient: b, fromClient: a}
	return client, server
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.toClient
	if !ok {
		return 0, nil, errors.New("fakeConn closed")
	}
	return websocketTextMessage, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn closed")
	}
	cp := append([]byte(nil), data...)
	c.fromClient <- cp
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)               {}
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.toClient)
	return nil
}
