// Package connection owns the persistent broker transport: auth handshake,
// heartbeat, reconnection backoff and room subscribe bookkeeping.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"roomsync/internal/dispatcher"
	"roomsync/internal/models"
	"roomsync/internal/observability"
	"roomsync/internal/protocol"
)

var (
	// ErrNotConnected gates outbound sends while the transport is down.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrAuthFailed is fatal for the session; it is surfaced, never retried.
	ErrAuthFailed = errors.New("broker authentication failed")
)

// Config holds transport settings.
type Config struct {
	URL               string
	Token             string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Manager owns the single broker connection for the client session. All
// inbound frames are decoded on one reader goroutine and dispatched
// synchronously through the bus, so frame-driven state mutation never
// interleaves.
type Manager struct {
	cfg    Config
	bus    *dispatcher.Dispatcher
	dialer *websocket.Dialer

	mu               sync.Mutex
	conn             *websocket.Conn
	state            models.ConnectionState
	intentionalClose bool
	recon            *reconnector
	subscribed       map[string]struct{}
	cancel           context.CancelFunc
	reconnectTimer   *time.Timer
	observers        map[int]func(models.ConnectionState)
	nextObserver     int
	pongCh           chan struct{}

	writeMu sync.Mutex
}

// NewManager builds a manager; the connection is opened by Connect.
func NewManager(cfg Config, bus *dispatcher.Dispatcher) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		bus:        bus,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:      models.StateDisconnected,
		recon:      newReconnector(cfg.BackoffBase, cfg.BackoffMax),
		subscribed: make(map[string]struct{}),
		observers:  make(map[int]func(models.ConnectionState)),
		pongCh:     make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the consecutive reconnect attempts since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recon.attempts()
}

// OnStateChange registers a state observer and returns its disposer.
func (m *Manager) OnStateChange(fn func(models.ConnectionState)) func() {
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Connect dials the broker and performs the auth handshake. An auth failure
// is returned as ErrAuthFailed and is never retried automatically.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == models.StateConnected || m.state == models.StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.intentionalClose = false
	m.mu.Unlock()
	m.setState(models.StateConnecting)

	ctx, span := otel.Tracer("roomsync/connection").Start(ctx, "broker.handshake")
	defer span.End()

	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		m.setState(models.StateDisconnected)
		return fmt.Errorf("dial broker: %w", err)
	}

	if err := m.handshake(conn); err != nil {
		conn.Close()
		m.setState(models.StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.recon.reset()
	rooms := make([]string, 0, len(m.subscribed))
	for roomID := range m.subscribed {
		rooms = append(rooms, roomID)
	}
	connCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	observability.SetReconnectAttempts(0)
	m.setState(models.StateConnected)

	// Replay queued and previously active room subscriptions; reconnection
	// does not replay missed events, so subscribers refresh authoritative
	// state separately.
	for _, roomID := range rooms {
		if err := m.Send(protocol.EventSubscribeRoom, protocol.RoomRefPayload{RoomID: roomID}); err != nil {
			log.Printf("subscribe replay failed room=%s: %v", roomID, err)
		}
	}

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx)

	_ = observability.PublishEvent(ctx, "engine.connection", observability.EventEnvelope{
		EventType: "engine_events",
		EventName: "connected",
		Payload:   map[string]interface{}{"rooms": len(rooms)},
	}, nil)

	return nil
}

// handshake runs the in-band auth exchange on a fresh connection.
func (m *Manager) handshake(conn *websocket.Conn) error {
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	frame, err := m.readFrame(conn)
	if err != nil {
		return fmt.Errorf("read handshake frame: %w", err)
	}

	if frame.Event == protocol.EventAuthRequired {
		payload, err := protocol.Encode(protocol.EventAuth, protocol.AuthPayload{Token: m.cfg.Token})
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("send auth: %w", err)
		}
		frame, err = m.readFrame(conn)
		if err != nil {
			return fmt.Errorf("read auth result: %w", err)
		}
	}

	switch frame.Event {
	case protocol.EventAuthSuccess:
		return nil
	case protocol.EventAuthError:
		return ErrAuthFailed
	default:
		return fmt.Errorf("unexpected handshake event %q", frame.Event)
	}
}

func (m *Manager) readFrame(conn *websocket.Conn) (protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(data)
}

// Disconnect closes the connection intentionally and stops any scheduled
// reconnect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.intentionalClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.setState(models.StateDisconnected)

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// Subscribe registers interest in a room. Before the connection reaches
// connected the subscription is queued and replayed, not dropped.
func (m *Manager) Subscribe(roomID string) error {
	m.mu.Lock()
	m.subscribed[roomID] = struct{}{}
	connected := m.state == models.StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Send(protocol.EventSubscribeRoom, protocol.RoomRefPayload{RoomID: roomID})
}

// Unsubscribe drops interest in a room.
func (m *Manager) Unsubscribe(roomID string) error {
	m.mu.Lock()
	delete(m.subscribed, roomID)
	connected := m.state == models.StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Send(protocol.EventUnsubscribeRoom, protocol.RoomRefPayload{RoomID: roomID})
}

// Send writes one outbound frame. Sends are rejected while disconnected.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == models.StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// ManualReconnect is the user-triggered retry: it resets the attempt counter
// and connects immediately, ignoring the backoff schedule.
func (m *Manager) ManualReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.recon.reset()
	m.mu.Unlock()

	observability.SetReconnectAttempts(0)
	return m.Connect(ctx)
}

// Resume handles the app-foregrounded signal: reconnect if the transport
// went down in the background.
func (m *Manager) Resume(ctx context.Context) error {
	if m.State() != models.StateDisconnected {
		return nil
	}
	return m.Connect(ctx)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.handleConnectionLoss(err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			log.Printf("dropping malformed frame: %v", err)
			continue
		}

		observability.IncFrame(frame.Event)

		if frame.Event == protocol.EventPong {
			select {
			case m.pongCh <- struct{}{}:
			default:
			}
		}

		m.bus.Emit(frame.Event, frame.Payload)
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain a stale pong from a previous round.
			select {
			case <-m.pongCh:
			default:
			}

			if err := m.Send(protocol.EventPing, nil); err != nil {
				return
			}

			select {
			case <-m.pongCh:
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.PongTimeout):
				log.Printf("heartbeat: no pong within %s, forcing reconnect", m.cfg.PongTimeout)
				m.mu.Lock()
				conn := m.conn
				m.mu.Unlock()
				if conn != nil {
					conn.Close()
				}
				return
			}
		}
	}
}

func (m *Manager) handleConnectionLoss(cause error) {
	m.mu.Lock()
	if m.intentionalClose {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	log.Printf("connection lost: %v", cause)
	m.setState(models.StateDisconnected)

	_ = observability.PublishEvent(context.Background(), "engine.connection", observability.EventEnvelope{
		EventType: "engine_events",
		EventName: "disconnected",
		Payload:   map[string]interface{}{"reason": cause.Error()},
	}, nil)

	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentionalClose {
		m.mu.Unlock()
		return
	}
	delay := m.recon.nextDelay()
	attempts := m.recon.attempts()
	m.mu.Unlock()

	observability.SetReconnectAttempts(attempts)
	m.setState(models.StateReconnecting)
	log.Printf("reconnect attempt %d in %s", attempts, delay)

	_ = observability.PublishEvent(context.Background(), "engine.connection", observability.EventEnvelope{
		EventType: "engine_events",
		EventName: "reconnect_scheduled",
		Payload:   map[string]interface{}{"attempt": attempts, "delayMs": delay.Milliseconds()},
	}, nil)

	timer := time.AfterFunc(delay, func() {
		err := m.Connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			log.Printf("reconnect aborted: %v", err)
			return
		}
		m.scheduleReconnect()
	})

	m.mu.Lock()
	m.reconnectTimer = timer
	m.mu.Unlock()
}

func (m *Manager) setState(state models.ConnectionState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	observers := make([]func(models.ConnectionState), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	observability.IncStateTransition(string(state))
	for _, fn := range observers {
		fn(state)
	}
}
