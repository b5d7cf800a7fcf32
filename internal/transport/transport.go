// Package transport implements the single WebSocket connection to a Q-SYS
// Core: one outbound send queue, one writer goroutine, and one reader
// goroutine that demultiplexes responses to pending callers by id and
// forwards unsolicited frames as Notifications.
package transport

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/bridgeerr"
)

const (
	writeWait          = 10 * time.Second
	defaultSendTimeout = 5 * time.Second
	maxMessageSize     = 10 * 1024 * 1024
	// sendQueueHighWaterMark is the default size of the outbound queue;
	// Send fails fast with BACKPRESSURE once it is full rather than block.
	sendQueueHighWaterMark = 1024
)

type pendingRequest struct {
	id       int64
	resultCh chan rpcResult
	elem     *list.Element // this request's node in the FIFO order list
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Transport owns one WebSocket connection and its send/receive pumps.
type Transport struct {
	conn   Conn
	logger *zap.SugaredLogger

	nextID int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	fifo    *list.List // order of outstanding request ids, oldest first

	sendQueue chan outboundFrame
	notifyCh  chan Notification

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type outboundFrame struct {
	id          int64
	payload     []byte
	messageType int
}

// New wraps conn in a Transport. The caller must call Start before
// sending anything, and Close when done.
func New(conn Conn, logger *zap.SugaredLogger) *Transport {
	return &Transport{
		conn:      conn,
		logger:    logger.Named("transport"),
		pending:   make(map[int64]*pendingRequest),
		fifo:      list.New(),
		sendQueue: make(chan outboundFrame, sendQueueHighWaterMark),
		notifyCh:  make(chan Notification, sendQueueHighWaterMark),
		closed:    make(chan struct{}),
	}
}

// Notifications returns the channel on which unsolicited server frames
// (EngineStatus, change-group pushes) are delivered.
func (t *Transport) Notifications() <-chan Notification {
	return t.notifyCh
}

// Start launches the read and write pumps. It returns once both
// goroutines are running.
func (t *Transport) Start() {
	t.conn.SetReadLimit(maxMessageSize)
	t.wg.Add(2)
	go t.readPump()
	go t.writePump()
}

// Send allocates an id, enqueues the JSON-RPC frame, and blocks until a
// matching response arrives, ctx is cancelled, or timeout elapses
// (default 5s when timeout <= 0). On timeout the pending entry is
// removed; a response that arrives later is discarded by readPump.
func (t *Transport) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.Internal, err, "encoding request params")
		}
		rawParams = encoded
	}

	id := atomic.AddInt64(&t.nextID, 1)
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Internal, err, "encoding request frame")
	}

	pr := &pendingRequest{id: id, resultCh: make(chan rpcResult, 1)}
	t.mu.Lock()
	pr.elem = t.fifo.PushBack(pr)
	t.pending[id] = pr
	t.mu.Unlock()

	select {
	case t.sendQueue <- outboundFrame{id: id, payload: payload, messageType: websocketTextMessage}:
	default:
		t.removePending(id)
		return nil, bridgeerr.New(bridgeerr.Backpressure, "send queue full")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.resultCh:
		return res.result, res.err
	case <-timer.C:
		t.removePending(id)
		return nil, bridgeerr.New(bridgeerr.Timeout, "request exceeded its deadline")
	case <-ctx.Done():
		t.removePending(id)
		return nil, bridgeerr.Wrap(bridgeerr.Cancelled, ctx.Err(), "request cancelled")
	case <-t.closed:
		return nil, bridgeerr.New(bridgeerr.NotConnected, "transport closed")
	}
}

func (t *Transport) removePending(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pr, ok := t.pending[id]; ok {
		t.fifo.Remove(pr.elem)
		delete(t.pending, id)
	}
}

// oldestPending pops and returns the oldest outstanding request, used to
// tie-break responses carrying "id: null".
func (t *Transport) oldestPending() (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	front := t.fifo.Front()
	if front == nil {
		return nil, false
	}
	pr := front.Value.(*pendingRequest)
	t.fifo.Remove(front)
	delete(t.pending, pr.id)
	return pr, true
}

func (t *Transport) takePending(id int64) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	t.fifo.Remove(pr.elem)
	delete(t.pending, id)
	return pr, true
}

func (t *Transport) writePump() {
	defer t.wg.Done()
	for {
		select {
		case frame := <-t.sendQueue:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(frame.messageType, frame.payload); err != nil {
				if frame.id != 0 {
					t.failPending(frame.id, bridgeerr.Wrap(bridgeerr.NotConnected, err, "writing frame"))
				}
				return
			}
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) failPending(id int64, err error) {
	if pr, ok := t.takePending(id); ok {
		pr.resultCh <- rpcResult{err: err}
	}
}

func (t *Transport) readPump() {
	defer t.wg.Done()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.drainAllPending(bridgeerr.Wrap(bridgeerr.NotConnected, err, "reading frame"))
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Warnw("dropping unparseable frame", "error", err)
			continue
		}

		t.routeFrame(&frame)
	}
}

func (t *Transport) routeFrame(frame *inboundFrame) {
	if !frame.hasID() {
		select {
		case t.notifyCh <- Notification{Method: frame.Method, Params: frame.Params}:
		default:
			t.logger.Warnw("dropping notification, subscriber channel full", "method", frame.Method)
		}
		return
	}

	var pr *pendingRequest
	var ok bool
	if id, isReal := frame.decodedID(); isReal {
		pr, ok = t.takePending(id)
	} else {
		// id: null — the documented Core quirk. Tie-break to the oldest
		// outstanding request.
		pr, ok = t.oldestPending()
	}
	if !ok {
		// No matching (or already-timed-out) pending request; discard.
		return
	}

	if frame.Error != nil {
		pr.resultCh <- rpcResult{err: bridgeerr.New(bridgeerr.CoreError, frame.Error.Message).
			WithDetails(map[string]any{"coreCode": frame.Error.Code})}
		return
	}
	pr.resultCh <- rpcResult{result: frame.Result}
}

func (t *Transport) drainAllPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]*pendingRequest)
	t.fifo = list.New()
	t.mu.Unlock()

	for _, pr := range pending {
		pr.resultCh <- rpcResult{err: err}
	}
}

// OnPong registers the handler invoked when a WebSocket pong control
// frame is received. It must be called before Start.
func (t *Transport) OnPong(handler func(appData string) error) {
	t.conn.SetPongHandler(handler)
}

// SendPing enqueues a WebSocket ping control frame on the same writer
// goroutine as ordinary frames — gorilla/websocket requires all writes to
// a connection to be serialized, so the connection manager's heartbeat
// MUST go through this rather than writing to the conn directly. Returns
// BACKPRESSURE if the send queue is full; callers (the heartbeat loop)
// treat that the same as a missed pong.
func (t *Transport) SendPing() error {
	select {
	case t.sendQueue <- outboundFrame{payload: nil, messageType: websocketPingMessage}:
		return nil
	default:
		return bridgeerr.New(bridgeerr.Backpressure, "send queue full, dropping heartbeat ping")
	}
}

// Close shuts the transport down. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		t.wg.Wait()
		t.drainAllPending(bridgeerr.New(bridgeerr.NotConnected, "transport closed"))
	})
	return err
}

// websocketTextMessage and websocketPingMessage mirror gorilla/websocket's
// TextMessage (1) and PingMessage (9) constants without importing the
// package here, keeping Conn a minimal interface any transport (not only
// gorilla's) can satisfy.
const (
	websocketTextMessage = 1
	websocketPingMessage = 9
)
