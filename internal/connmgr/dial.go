package connmgr

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/qsysbridge/core/internal/transport"
)

// GorillaDial is the production Dial: it opens a real WebSocket to a
// Q-SYS Core's QRWC endpoint. *websocket.Conn satisfies transport.Conn
// directly — no adapter type is needed, since its ReadMessage,
// WriteMessage, SetReadDeadline, SetWriteDeadline, SetReadLimit, and
// SetPongHandler signatures already match.
func GorillaDial(ctx context.Context, url string, tlsConfig *tls.Config) (transport.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig: tlsConfig,
	}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
