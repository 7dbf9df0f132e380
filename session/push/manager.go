package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State describes the push connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// defaultBackoff is the reconnect delay schedule. The last entry repeats
// for any attempt beyond the schedule's length.
var defaultBackoff = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

const defaultMaxAttempts = 6

// frameBuffer decouples the socket reader from handler execution so a slow
// handler does not stall socket reads.
const frameBuffer = 64

// Options configures a push connection Manager.
type Options struct {
	// URL is the WebSocket endpoint, ws:// or wss://.
	URL string

	// Token supplies the current access token for the connection handshake.
	Token func() (string, error)

	// Role supplies the current user's role for notification filtering.
	Role func() string

	// MaxAttempts caps consecutive failed reconnects before the manager
	// gives up. Zero means the default.
	MaxAttempts int

	// Backoff overrides the reconnect delay schedule.
	Backoff []time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Manager owns the single push WebSocket connection. It reconnects on a
// fixed backoff schedule after unexpected drops and goes terminally
// unavailable once the attempt cap is hit; a later explicit Connect starts
// over with fresh counters.
type Manager struct {
	url         string
	token       func() (string, error)
	maxAttempts int
	backoff     []time.Duration
	dialer      *websocket.Dialer
	logger      *zap.Logger

	dispatcher *Dispatcher

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	attempts     int
	connecting   bool
	reconnecting bool
	closing      bool
	stop         chan struct{}

	stateFnsMu    sync.Mutex
	stateFns      []func(State)
	pendingStates []State
	notifying     bool
}

// NewManager creates a push connection manager. It does not connect.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := opts.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	token := opts.Token
	if token == nil {
		token = func() (string, error) { return "", nil }
	}
	return &Manager{
		url:         opts.URL,
		token:       token,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		dialer:      dialer,
		logger:      logger,
		dispatcher:  NewDispatcher(opts.Role, logger),
	}
}

// Dispatcher returns the event dispatcher for registering subscriptions.
// Subscriptions survive reconnects.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a callback invoked on every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.stateFnsMu.Lock()
	m.stateFns = append(m.stateFns, fn)
	m.stateFnsMu.Unlock()
}

// setState must be called with m.mu held. Transitions are queued in order
// and delivered by a single notifier goroutine so observers always see them
// in the sequence they happened.
func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("push connection state change",
		zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s

	m.stateFnsMu.Lock()
	m.pendingStates = append(m.pendingStates, s)
	if !m.notifying {
		m.notifying = true
		go m.drainStateQueue()
	}
	m.stateFnsMu.Unlock()
}

func (m *Manager) drainStateQueue() {
	for {
		m.stateFnsMu.Lock()
		if len(m.pendingStates) == 0 {
			m.notifying = false
			m.stateFnsMu.Unlock()
			return
		}
		s := m.pendingStates[0]
		m.pendingStates = m.pendingStates[1:]
		fns := make([]func(State), len(m.stateFns))
		copy(fns, m.stateFns)
		m.stateFnsMu.Unlock()

		for _, fn := range fns {
			fn(s)
		}
	}
}

// Connect establishes the push connection. Calling it while a connection
// is live or being established is a no-op. Calling it after the manager
// went unavailable starts a fresh attempt cycle.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connecting || m.state == StateConnected || m.state == StateConnecting || m.state == StateReconnecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.closing = false
	m.attempts = 0
	m.stop = make(chan struct{})
	m.setState(StateConnecting)
	m.mu.Unlock()

	err := m.establish(ctx)

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		if m.closing {
			m.setState(StateDisconnected)
			m.mu.Unlock()
			return err
		}
		m.setState(StateReconnecting)
		m.spawnReconnect()
		m.mu.Unlock()
		return fmt.Errorf("push connect: %w", err)
	}
	m.mu.Unlock()
	return nil
}

// establish performs one dial attempt and, on success, starts the reader
// and processor goroutines.
func (m *Manager) establish(ctx context.Context) error {
	token, err := m.token()
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", m.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", m.url, err)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connection closed during dial")
	}
	m.conn = conn
	m.attempts = 0
	m.setState(StateConnected)
	m.mu.Unlock()

	m.logger.Info("push connection established", zap.String("url", m.url))

	frames := make(chan []byte, frameBuffer)
	go m.readLoop(conn, frames)
	go m.processLoop(frames)
	return nil
}

// readLoop pulls frames off the socket until it errors, then reports the
// loss. It never blocks on handlers; frames go through a buffered channel.
func (m *Manager) readLoop(conn *websocket.Conn, frames chan<- []byte) {
	defer close(frames)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(conn, err)
			return
		}
		frames <- raw
	}
}

// processLoop drains frames until the reader closes the channel. Exiting
// only on channel close keeps the reader from blocking forever on a full
// buffer when the connection goes away.
func (m *Manager) processLoop(frames <-chan []byte) {
	for raw := range frames {
		m.dispatcher.Dispatch(raw)
	}
}

// connectionLost handles an unexpected socket error. Expected closes during
// Disconnect are ignored.
func (m *Manager) connectionLost(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("push connection lost", zap.Error(err))
	m.setState(StateReconnecting)
	m.spawnReconnect()
	m.mu.Unlock()
}

// spawnReconnect starts the reconnect loop unless one is already running.
// Must be called with m.mu held.
func (m *Manager) spawnReconnect() {
	if m.reconnecting {
		return
	}
	m.reconnecting = true
	go m.reconnectLoop(m.stop)
}

func (m *Manager) reconnectLoop(stop chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.maxAttempts {
			m.logger.Error("push connection unavailable",
				zap.Int("attempts", m.attempts))
			m.setState(StateUnavailable)
			m.mu.Unlock()
			return
		}
		delay := m.backoff[min(m.attempts, len(m.backoff)-1)]
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-stop:
				return
			}
		}

		m.logger.Info("reconnecting push connection",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if err := m.establish(context.Background()); err != nil {
			m.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return
	}
}

// Disconnect closes the push connection and stops any reconnect loop.
// Safe to call at any time, including when already disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closing || (m.conn == nil && m.state == StateDisconnected) {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	m.setState(StateDisconnected)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if closeErr := conn.Close(); err == nil {
		err = closeErr
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		m.logger.Debug("error closing push connection", zap.Error(err))
	}
	m.logger.Info("push connection closed")
	return nil
}
