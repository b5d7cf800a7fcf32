// Package connmgr drives the connection lifecycle to a Q-SYS Core: a
// state machine with heartbeat liveness checking, exponential backoff
// with jitter on reconnect, and a circuit breaker that stops hammering an
// unreachable Core.
package connmgr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/bridgeerr"
	"github.com/qsysbridge/core/internal/transport"
)

// State is one node of the connection state machine.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
	StateReconnecting  State = "RECONNECTING"
)

// missedPongLimit is how many consecutive missed heartbeat pongs force a
// reconnect.
const missedPongLimit = 3

// StateChange is pushed on the typed channel returned by StateChanges.
// Subscribers drop the channel to unsubscribe; there is no callback
// registration.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// Dial opens a transport.Conn to url. The production dialer wraps
// gorilla/websocket; tests substitute a fake that never touches a real
// socket.
type Dial func(ctx context.Context, url string, tlsConfig *tls.Config) (transport.Conn, error)

// Config controls backoff, heartbeat, and circuit-breaker timing. Zero
// values are replaced with defaults by New.
type Config struct {
	URL                string
	TLSConfig          *tls.Config
	HeartbeatInterval  time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectFactor    float64
	ReconnectJitter    float64
	ReconnectMaxDelay  time.Duration
	CircuitThreshold   int
	CircuitCooldown    time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectFactor <= 0 {
		c.ReconnectFactor = 2
	}
	if c.ReconnectJitter <= 0 {
		c.ReconnectJitter = 0.2
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 60 * time.Second
	}
	return c
}

// Manager owns the connection state machine and the current Transport.
type Manager struct {
	cfg    Config
	dial   Dial
	logger *zap.SugaredLogger

	mu                  sync.Mutex
	state               State
	tr                  *transport.Transport
	consecutiveFailures int
	circuitOpenUntil    time.Time
	missedPongs         int
	generation          int64 // bumped on every Disconnect, guards stale goroutines

	disconnectOnce sync.Once
	runCancel      context.CancelFunc

	stateCh chan StateChange

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Manager. dial is injected so tests never open a real
// socket; production wiring passes GorillaDial.
func New(cfg Config, dial Dial, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		logger:  logger.Named("connmgr"),
		state:   StateDisconnected,
		stateCh: make(chan StateChange, 16),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// StateChanges returns the channel on which every state transition is
// reported.
func (m *Manager) StateChanges() <-chan StateChange {
	return m.stateCh
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transport returns the current Transport, or nil if not CONNECTED.
func (m *Manager) Transport() *transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.tr
}

// Send forwards a JSON-RPC request to whichever Transport is current,
// failing fast with NOT_CONNECTED when there is none. Callers hold the
// Manager, never a Transport, so a reconnect swapping the underlying
// socket is invisible to them.
func (m *Manager) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	tr := m.Transport()
	if tr == nil {
		return nil, bridgeerr.New(bridgeerr.NotConnected, "no open connection to the core")
	}
	return tr.Send(ctx, method, params, timeout)
}

// Connect starts (or restarts) the connection attempt loop. It returns
// once the first attempt either succeeds or is handed off to the
// reconnect loop; it does not block for the lifetime of the connection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return bridgeerr.New(bridgeerr.Internal, "connect called outside DISCONNECTED state")
	}
	m.setStateLocked(StateConnecting)
	m.disconnectOnce = sync.Once{}
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	gen := m.generation
	m.mu.Unlock()

	return m.attemptConnect(ctx, runCtx, gen)
}

// attemptConnect performs one dial. On success it installs the new
// Transport and starts the heartbeat loop. On failure it transitions to
// RECONNECTING and launches the backoff loop in the background.
func (m *Manager) attemptConnect(callerCtx, runCtx context.Context, gen int64) error {
	if open, remaining := m.circuitOpen(); open {
		m.transitionTo(StateReconnecting, gen)
		go m.reconnectLoop(runCtx, gen, remaining)
		return bridgeerr.New(bridgeerr.CircuitOpen, "circuit breaker open, suppressing connect attempts")
	}

	conn, err := m.dial(callerCtx, m.cfg.URL, m.cfg.TLSConfig)
	if err != nil {
		m.recordFailure()
		m.transitionTo(StateReconnecting, gen)
		go m.reconnectLoop(runCtx, gen, 0)
		return bridgeerr.Wrap(bridgeerr.NotConnected, err, "dialing core")
	}

	m.installTransport(conn, gen)
	m.resetFailures()
	m.transitionTo(StateConnected, gen)
	go m.heartbeatLoop(runCtx, gen)
	return nil
}

func (m *Manager) installTransport(conn transport.Conn, gen int64) {
	tr := transport.New(conn, m.logger)
	tr.OnPong(func(string) error {
		m.mu.Lock()
		m.missedPongs = 0
		m.mu.Unlock()
		return nil
	})
	tr.Start()

	m.mu.Lock()
	if m.generation == gen {
		m.tr = tr
		m.missedPongs = 0
	}
	m.mu.Unlock()
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen int64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.generation != gen || m.state != StateConnected {
				m.mu.Unlock()
				return
			}
			tr := m.tr
			m.mu.Unlock()

			if err := tr.SendPing(); err != nil {
				m.logger.Warnw("failed to send heartbeat ping", "error", err)
			}
			m.noteMissedPong(gen)
		}
	}
}

// noteMissedPong increments the missed-pong counter. OnPong resets it to
// zero on every received pong; if it reaches the limit before that
// happens, the connection is declared dead.
func (m *Manager) noteMissedPong(gen int64) {
	m.mu.Lock()
	m.missedPongs++
	dead := m.missedPongs >= missedPongLimit
	m.mu.Unlock()

	if dead {
		m.logger.Warnw("heartbeat missed too many pongs, reconnecting", "limit", missedPongLimit)
		m.handleConnectionLost(gen)
	}
}

func (m *Manager) handleConnectionLost(gen int64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	tr := m.tr
	m.tr = nil
	m.recordFailureLocked()
	m.setStateLocked(StateReconnecting)
	oldCancel := m.runCancel
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if tr != nil {
		_ = tr.Close()
	}
	go m.reconnectLoop(runCtx, gen, 0)
}

// reconnectLoop retries with exponential backoff and jitter until it
// succeeds or is cancelled. minDelay lets the circuit breaker force an
// initial wait for the remaining cool-down before the first retry.
func (m *Manager) reconnectLoop(ctx context.Context, gen int64, minDelay time.Duration) {
	attempt := 0
	for {
		delay := m.backoffDelay(attempt)
		if minDelay > delay {
			delay = minDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		stillCurrent := m.generation == gen && m.state == StateReconnecting
		m.mu.Unlock()
		if !stillCurrent {
			return
		}

		if open, remaining := m.circuitOpen(); open {
			attempt = 0
			minDelay = remaining
			continue
		}

		conn, err := m.dial(ctx, m.cfg.URL, m.cfg.TLSConfig)
		if err != nil {
			attempt++
			m.recordFailure()
			continue
		}

		m.installTransport(conn, gen)
		m.resetFailures()
		m.transitionTo(StateConnected, gen)
		go m.heartbeatLoop(ctx, gen)
		return
	}
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	base := float64(m.cfg.ReconnectBaseDelay)
	delay := base * pow(m.cfg.ReconnectFactor, attempt)
	maxDelay := float64(m.cfg.ReconnectMaxDelay)
	if delay > maxDelay {
		delay = maxDelay
	}

	m.rngMu.Lock()
	jitterFrac := (m.rng.Float64()*2 - 1) * m.cfg.ReconnectJitter
	m.rngMu.Unlock()

	delay += delay * jitterFrac
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.recordFailureLocked()
	m.mu.Unlock()
}

func (m *Manager) recordFailureLocked() {
	m.consecutiveFailures++
	if m.consecutiveFailures >= m.cfg.CircuitThreshold {
		m.circuitOpenUntil = time.Now().Add(m.cfg.CircuitCooldown)
	}
}

func (m *Manager) resetFailures() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.circuitOpenUntil = time.Time{}
	m.mu.Unlock()
}

// circuitOpen reports whether the breaker is currently open, and if so
// how much cool-down remains.
func (m *Manager) circuitOpen() (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.circuitOpenUntil.IsZero() {
		return false, 0
	}
	remaining := time.Until(m.circuitOpenUntil)
	if remaining <= 0 {
		m.circuitOpenUntil = time.Time{}
		return false, 0
	}
	return true, remaining
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	m.state = to
	select {
	case m.stateCh <- StateChange{From: from, To: to, At: time.Now()}:
	default:
	}
}

func (m *Manager) transitionTo(to State, gen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return
	}
	m.setStateLocked(to)
}

// Disconnect tears the connection down. It is idempotent: regardless of
// how many times or from how many goroutines it is called, at most one
// DISCONNECTING state change is ever observable.
func (m *Manager) Disconnect() {
	m.disconnectOnce.Do(func() {
		m.mu.Lock()
		m.generation++ // invalidate any in-flight heartbeat/reconnect goroutines
		m.setStateLocked(StateDisconnecting)
		tr := m.tr
		m.tr = nil
		cancel := m.runCancel
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if tr != nil {
			_ = tr.Close()
		}

		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
	})
}
