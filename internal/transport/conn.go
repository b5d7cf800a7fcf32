package transport

import "time"

// Conn is the subset of *websocket.Conn the transport needs. A real QRWC
// connection satisfies it without any wrapping; tests substitute a fake
// that exchanges frames over in-memory channels.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}
