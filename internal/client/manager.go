// Package client implements the client side of the realtime message
// transport: a single persistent WebSocket connection with an explicit
// lifecycle state machine, heartbeat-based liveness detection, bounded
// outbound queueing while disconnected, and capped backoff reconnection.
//
// Architecture: a reader goroutine feeds an inbound channel with raw
// frames. A single event loop goroutine processes inbound frames, send
// requests, queue flushes, and heartbeat ticks. All writes to the
// connection happen from the event loop, so no write mutex is needed.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jobmesh/relay/internal/wire"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=manager.go -destination=wsconn_mock.go -package=client -mock_names=wsConn=MockWSConn

const (
	defaultHeartbeatInterval   = 25 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultConnectTimeout      = 10 * time.Second
	defaultSettleDelay         = 1 * time.Second

	// staleMultiplier scales the heartbeat interval to decide when a
	// connection that reports open but exchanges no data is assumed dead.
	staleMultiplier = 2.5

	// manualReconnectDelay is the pause before a user-triggered reconnect
	// dials again, giving the previous socket time to fully close.
	manualReconnectDelay = 500 * time.Millisecond

	// sendChanSize buffers send requests headed for the event loop.
	sendChanSize = 16

	// inboundChanSize buffers frames from the reader goroutine.
	inboundChanSize = 64

	// wsReadLimit caps inbound frame size. Chat payloads are small JSON.
	wsReadLimit = 1 * 1024 * 1024
)

// ErrRetriesExhausted is the terminal condition after the automatic
// reconnect budget is spent. Recovery requires an explicit Reconnect.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

var errStaleConnection = errors.New("no traffic within staleness window")

// State is the connection lifecycle state. Exactly one is active at a
// time; StateError is terminal until a manual Reconnect.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// Options configures a Manager.
type Options struct {
	// URL is the messaging endpoint, e.g. ws://host:8085/ws.
	URL string

	// Identity is sent in the AUTH envelope immediately after connecting.
	Identity wire.AuthPayload

	// Handler receives every inbound envelope except PONG, which the
	// manager absorbs. May be nil.
	Handler func(wire.Envelope)

	// OnStateChange is invoked after every lifecycle transition. May be nil.
	OnStateChange func(State)

	// OnConnectionLost is invoked on the first abnormal close of an
	// episode only, so callers can warn once without noise. May be nil.
	OnConnectionLost func()

	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	SettleDelay         time.Duration
	QueueCapacity       int
	MaxAttempts         int
	Schedule            []time.Duration

	// Dial overrides the WebSocket dial, for tests.
	Dial func(ctx context.Context) (wsConn, error)
}

// Manager owns the single physical connection's lifecycle and forbids
// concurrent duplicate connections.
type Manager struct {
	opts   Options
	logger *slog.Logger

	dial  func(ctx context.Context) (wsConn, error)
	sched *reconnectSchedule
	queue *outboundQueue

	// sendCh carries envelopes from Send to the event loop. It survives
	// reconnects; leftovers are drained into the queue between sessions.
	sendCh chan wire.Envelope

	mu            sync.Mutex
	state         State
	conn          wsConn
	attempt       int
	connectedOnce bool
	intentional   bool
	running       bool
	lostWarned    bool
	cancel        context.CancelFunc
	done          chan struct{}

	lastMsgMu   sync.Mutex
	lastMessage time.Time
}

// New creates a Manager. Connect must be called to open the connection.
func New(opts Options, logger *slog.Logger) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}

	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaultHealthCheckInterval
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	m := &Manager{
		opts:   opts,
		logger: logger,
		sched:  newReconnectSchedule(opts.Schedule),
		queue:  newOutboundQueue(opts.QueueCapacity),
		sendCh: make(chan wire.Envelope, sendChanSize),
		state:  StateDisconnected,
	}

	m.dial = opts.Dial
	if m.dial == nil {
		m.dial = func(ctx context.Context) (wsConn, error) {
			conn, _, err := websocket.Dial(ctx, opts.URL, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
			if err != nil {
				return nil, err
			}

			conn.SetReadLimit(wsReadLimit)

			return conn, nil
		}
	}

	return m
}

// Connect starts the connection supervisor. It is a no-op while a
// supervisor is running, while the state is connecting or connected, or
// after a connection was already established in this session. The last
// guard exists to break naive effect-driven reconnect loops: repeated
// triggers from callers must not spawn duplicate connections.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()

	if m.running || m.connectedOnce || m.state == StateConnecting || m.state == StateConnected {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("connect ignored", slog.String("state", string(state)))

		return
	}

	m.running = true
	m.intentional = false
	m.lostWarned = false
	m.done = make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.setState(StateConnecting)

	go m.supervise(runCtx)
}

// supervise dials, runs the session event loop, and applies the
// reconnect policy until the context ends, the close is intentional, or
// the attempt budget is exhausted.
func (m *Manager) supervise(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		close(m.done)
		m.mu.Unlock()
	}()

	for {
		conn, err := m.dialWithTimeout(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}

			m.logger.Warn("connect failed", slog.String("error", err.Error()))

			if !m.waitRetry(ctx) {
				return
			}

			continue
		}

		m.onOpen(conn)

		err = m.session(ctx, conn)
		m.clearConn(conn)
		m.drainSendCh()

		if ctx.Err() != nil || m.isIntentional() {
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateDisconnected)
		m.logger.Warn("connection lost", slog.String("error", err.Error()))
		m.warnLostOnce()

		if !m.waitRetry(ctx) {
			return
		}
	}
}

func (m *Manager) dialWithTimeout(ctx context.Context) (wsConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", m.opts.URL, err)
	}

	return conn, nil
}

// waitRetry consumes one reconnect attempt and sleeps its scheduled
// delay. Returns false when the budget is exhausted (terminal error
// state) or the context ended.
func (m *Manager) waitRetry(ctx context.Context) bool {
	m.mu.Lock()
	attempt := m.attempt
	m.attempt++
	m.mu.Unlock()

	if attempt >= m.opts.MaxAttempts {
		m.setState(StateError)
		m.logger.Error("reconnect attempts exhausted",
			slog.Int("attempts", attempt),
		)

		return false
	}

	delay := m.sched.Delay(attempt)
	m.setState(StateReconnecting)
	m.logger.Info("reconnecting",
		slog.Int("attempt", attempt+1),
		slog.Duration("delay", delay),
	)

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		m.setState(StateDisconnected)

		return false
	case <-timer.C:
	}

	m.setState(StateConnecting)

	return true
}

func (m *Manager) onOpen(conn wsConn) {
	m.mu.Lock()
	m.conn = conn
	m.attempt = 0
	m.connectedOnce = true
	m.lostWarned = false
	m.mu.Unlock()

	m.touchLastMessage()
	m.setState(StateConnected)
	m.logger.Info("connected", slog.String("url", m.opts.URL))
}

func (m *Manager) clearConn(conn wsConn) {
	conn.Close(websocket.StatusNormalClosure, "session ended")

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// startReader launches a goroutine feeding the returned channel with raw
// frames. The channel and conn are captured by value so a stale reader
// from a previous connection can never feed the current session.
func (m *Manager) startReader(ctx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			_, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// session runs the event loop for one connection: AUTH first, then a
// settle delay before flushing the queue so the flush cannot race the
// handshake, then inbound/send/heartbeat processing until the
// connection dies.
func (m *Manager) session(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := m.startReader(connCtx, conn)

	authEnv, err := wire.New(wire.TypeAuth, m.opts.Identity)
	if err != nil {
		return err
	}

	if err := m.write(ctx, conn, authEnv); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	heartbeat := time.NewTicker(m.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	health := time.NewTicker(m.opts.HealthCheckInterval)
	defer health.Stop()

	settle := time.NewTimer(m.opts.SettleDelay)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			m.touchLastMessage()
			m.handleInbound(msg.data)

		case env := <-m.sendCh:
			if err := m.write(ctx, conn, env); err != nil {
				m.queue.push(env)
				return fmt.Errorf("writing %s: %w", env.Type, err)
			}

		case <-settle.C:
			if err := m.flush(ctx, conn); err != nil {
				return err
			}

		case <-heartbeat.C:
			ping, err := wire.New(wire.TypePing, nil)
			if err != nil {
				return err
			}

			if err := m.write(ctx, conn, ping); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}

		case <-health.C:
			if m.sinceLastMessage() > m.staleAfter() {
				m.logger.Warn("connection stale, forcing close",
					slog.Duration("idle", m.sinceLastMessage()),
				)
				conn.Close(websocket.StatusGoingAway, "stale connection")

				return errStaleConnection
			}
		}
	}
}

// handleInbound routes a single inbound frame. PONG is absorbed here;
// everything else goes to the caller's handler. A frame that fails to
// parse is logged and dropped without tearing down the connection.
func (m *Manager) handleInbound(data []byte) {
	if gjson.GetBytes(data, "type").Str == wire.TypePong {
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Debug("unparseable frame dropped", slog.Int("bytes", len(data)))
		return
	}

	if m.opts.Handler != nil {
		m.opts.Handler(env)
	}
}

// flush sends every queued envelope in original order. Envelopes from
// the failing write onward are requeued in order for the next flush.
func (m *Manager) flush(ctx context.Context, conn wsConn) error {
	pending := m.queue.drain()
	if len(pending) == 0 {
		return nil
	}

	for i, env := range pending {
		if err := m.write(ctx, conn, env); err != nil {
			m.queue.requeue(pending[i:])
			return fmt.Errorf("flushing queued %s: %w", env.Type, err)
		}
	}

	m.logger.Info("outbound queue flushed", slog.Int("count", len(pending)))
	m.queue.resetDrops()

	return nil
}

func (m *Manager) write(ctx context.Context, conn wsConn, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", env.Type, err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// Send builds an envelope and hands it to the event loop, or queues it
// when the connection is not open. Returns the envelope's message id so
// the caller can correlate the eventual reply.
func (m *Manager) Send(msgType string, data any) (string, error) {
	env, err := wire.New(msgType, data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		if m.queue.push(env) {
			m.logger.Warn("outbound queue full, dropped oldest entry")
		}

		m.logger.Debug("queued while disconnected", slog.String("type", msgType))

		return env.MessageID, nil
	}

	select {
	case m.sendCh <- env:
	default:
		// Event loop is saturated; fall back to the queue rather than block.
		m.queue.push(env)
	}

	return env.MessageID, nil
}

// drainSendCh moves envelopes stranded in sendCh into the queue so a
// future flush preserves their order relative to later sends.
func (m *Manager) drainSendCh() {
	for {
		select {
		case env := <-m.sendCh:
			m.queue.push(env)
		default:
			return
		}
	}
}

// Reconnect is the manual, user-triggered retry: it resets the attempt
// counter and queue-drop state, force-closes any live connection, and
// dials again after a short delay. It is the only way out of StateError.
func (m *Manager) Reconnect(ctx context.Context) {
	m.mu.Lock()
	m.attempt = 0
	m.connectedOnce = false
	m.intentional = true
	conn := m.conn
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	m.queue.resetDrops()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "manual reconnect")
	}

	if cancel != nil {
		cancel()
	}

	go func() {
		if done != nil {
			<-done
		}

		m.setState(StateDisconnected)

		timer := time.NewTimer(manualReconnectDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.Connect(ctx)
	}()
}

// Close tears the connection down intentionally: every timer stops, the
// socket closes with a normal code, and a future fresh Connect is allowed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.intentional = true
	m.connectedOnce = false
	conn := m.conn
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

// State reports the current lifecycle state so callers can render a
// live connection indicator.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// QueuedCount reports how many envelopes await a working connection.
func (m *Manager) QueuedCount() int {
	return m.queue.len()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

func (m *Manager) isIntentional() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.intentional
}

// warnLostOnce fires the lost callback at most once per connected
// episode so the caller can toast a warning without repeating it for
// every failed retry.
func (m *Manager) warnLostOnce() {
	m.mu.Lock()
	warned := m.lostWarned
	m.lostWarned = true
	m.mu.Unlock()

	if !warned && m.opts.OnConnectionLost != nil {
		m.opts.OnConnectionLost()
	}
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

func (m *Manager) sinceLastMessage() time.Duration {
	m.lastMsgMu.Lock()
	defer m.lastMsgMu.Unlock()

	return time.Since(m.lastMessage)
}

func (m *Manager) staleAfter() time.Duration {
	return time.Duration(float64(m.opts.HeartbeatInterval) * staleMultiplier)
}
