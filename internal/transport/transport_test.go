package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/logging"
)

func newTestTransport(t *testing.T) (*Transport, *fakeConn) {
	t.Helper()
	client, server := newFakeConnPair()
	tr := New(client, logging.Nop())
	tr.Start()
	t.Cleanup(func() { _ = tr.Close() })
	return tr, server
}

// serverRead decodes the next frame the transport wrote, as the request
// struct the transport emits.
func serverRead(t *testing.T, server *fakeConn) request {
	t.Helper()
	select {
	case data := <-server.toClient:
		var req request
		require.NoError(t, json.Unmarshal(data, &req))
		return req
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transport to write a frame")
		return request{}
	}
}

func serverReply(server *fakeConn, id int64, result any) {
	raw, _ := json.Marshal(result)
	frame := map[string]any{"jsonrpc": "2.0", "id": id, "result": json.RawMessage(raw)}
	data, _ := json.Marshal(frame)
	server.fromClient <- data
}

func serverReplyNullID(server *fakeConn, result any) {
	raw, _ := json.Marshal(result)
	frame := map[string]any{"jsonrpc": "2.0", "id": nil, "result": json.RawMessage(raw)}
	data, _ := json.Marshal(frame)
	server.fromClient <- data
}

func TestSend_RoundTrip(t *testing.T) {
	tr, server := newTestTransport(t)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := tr.Send(context.Background(), "StatusGet", nil, time.Second)
		resultCh <- res
		errCh <- err
	}()

	req := serverRead(t, server)
	assert.Equal(t, "StatusGet", req.Method)
	serverReply(server, req.ID, map[string]string{"code": "OK"})

	require.NoError(t, <-errCh)
	var got map[string]string
	require.NoError(t, json.Unmarshal(<-resultCh, &got))
	assert.Equal(t, "OK", got["code"])
}

func TestSend_Timeout(t *testing.T) {
	tr, server := newTestTransport(t)
	_ = server

	_, err := tr.Send(context.Background(), "Component.Get", nil, 20*time.Millisecond)
	require.Error(t, err)
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.Timeout, be.Kind)
}

func TestSend_NullIDTieBreaksToOldestPending(t *testing.T) {
	tr, server := newTestTransport(t)

	firstDone := make(chan string, 1)
	secondDone := make(chan string, 1)

	go func() {
		res, err := tr.Send(context.Background(), "first", nil, time.Second)
		require.NoError(t, err)
		var s string
		_ = json.Unmarshal(res, &s)
		firstDone <- s
	}()
	firstReq := serverRead(t, server)

	go func() {
		res, err := tr.Send(context.Background(), "second", nil, time.Second)
		require.NoError(t, err)
		var s string
		_ = json.Unmarshal(res, &s)
		secondDone <- s
	}()
	_ = serverRead(t, server)
	_ = firstReq

	// Both requests are outstanding; a response with id:null must resolve
	// the OLDEST (first) pending request, per the documented tie-break.
	serverReplyNullID(server, "resolved-by-null-id")

	select {
	case s := <-firstDone:
		assert.Equal(t, "resolved-by-null-id", s)
	case <-time.After(time.Second):
		t.Fatal("first request was not resolved by the null-id response")
	}

	// The second request is still pending; resolve it normally so the
	// goroutine doesn't leak past the test.
	tr.mu.Lock()
	var secondID int64
	for id := range tr.pending {
		secondID = id
	}
	tr.mu.Unlock()
	serverReply(server, secondID, "resolved-normally")

	select {
	case s := <-secondDone:
		assert.Equal(t, "resolved-normally", s)
	case <-time.After(time.Second):
		t.Fatal("second request was not resolved")
	}
}

func TestSend_Backpressure(t *testing.T) {
	client, _ := newFakeConnPair()
	tr := New(client, logging.Nop())
	// Deliberately do not Start(): nothing drains sendQueue, so filling it
	// to capacity exercises the BACKPRESSURE fast-fail path deterministically.
	for i := 0; i < sendQueueHighWaterMark; i++ {
		tr.sendQueue <- outboundFrame{id: int64(i), payload: []byte("{}")}
	}

	_, err := tr.Send(context.Background(), "StatusGet", nil, time.Second)
	require.Error(t, err)
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.Backpressure, be.Kind)
}

func TestNotifications_RoutedWithoutID(t *testing.T) {
	tr, server := newTestTransport(t)

	frame := map[string]any{"jsonrpc": "2.0", "method": "EngineStatus", "params": map[string]string{"code": "OK"}}
	data, _ := json.Marshal(frame)
	server.fromClient <- data

	select {
	case n := <-tr.Notifications():
		assert.Equal(t, "EngineStatus", n.Method)
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}
