package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/internal/dispatcher"
	"roomsync/internal/models"
	"roomsync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeBroker scripts the peer side of the wire contract for tests.
type fakeBroker struct {
	t          *testing.T
	rejectAuth bool
	answerPing bool

	mu       sync.Mutex
	refuse   bool
	received []protocol.Frame
	conns    []*websocket.Conn
}

func (b *fakeBroker) setRefuse(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

func (b *fakeBroker) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		refuse := b.refuse
		b.mu.Unlock()
		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		b.write(conn, protocol.EventAuthRequired, nil)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				continue
			}

			b.mu.Lock()
			b.received = append(b.received, frame)
			b.mu.Unlock()

			b.mu.Lock()
			rejectAuth, answerPing := b.rejectAuth, b.answerPing
			b.mu.Unlock()

			switch frame.Event {
			case protocol.EventAuth:
				if rejectAuth {
					b.write(conn, protocol.EventAuthError, protocol.ErrorPayload{Message: "bad token"})
				} else {
					b.write(conn, protocol.EventAuthSuccess, nil)
				}
			case protocol.EventPing:
				if answerPing {
					b.write(conn, protocol.EventPong, nil)
				}
			}
		}
	}
}

func (b *fakeBroker) write(conn *websocket.Conn, event string, payload any) {
	data, err := protocol.Encode(event, payload)
	require.NoError(b.t, err)
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (b *fakeBroker) framesByEvent(event string) []protocol.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Frame
	for _, f := range b.received {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (b *fakeBroker) pushToClient(event string, payload any) {
	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	b.mu.Unlock()
	b.write(conn, event, payload)
}

func (b *fakeBroker) dropClient() {
	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	b.mu.Unlock()
	conn.Close()
}

func startBroker(t *testing.T, b *fakeBroker) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		Token:             "token-1",
		HeartbeatInterval: 30 * time.Millisecond,
		PongTimeout:       40 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        40 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestConnectPerformsAuthHandshake(t *testing.T) {
	broker := &fakeBroker{t: t, answerPing: true}
	_, url := startBroker(t, broker)

	m := NewManager(testConfig(url), dispatcher.New())
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, models.StateConnected, m.State())
	assert.Zero(t, m.Attempts())

	auths := broker.framesByEvent(protocol.EventAuth)
	require.Len(t, auths, 1)
	var auth protocol.AuthPayload
	require.NoError(t, json.Unmarshal(auths[0].Payload, &auth))
	assert.Equal(t, "token-1", auth.Token)
}

func TestConnectAuthRejectionIsFatal(t *testing.T) {
	broker := &fakeBroker{t: t, rejectAuth: true}
	_, url := startBroker(t, broker)

	m := NewManager(testConfig(url), dispatcher.New())
	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, models.StateDisconnected, m.State())
}

func TestSubscribeBeforeConnectIsQueuedAndReplayed(t *testing.T) {
	broker := &fakeBroker{t: t, answerPing: true}
	_, url := startBroker(t, broker)

	m := NewManager(testConfig(url), dispatcher.New())
	defer m.Disconnect()

	require.NoError(t, m.Subscribe("room-9"))
	require.NoError(t, m.Connect(context.Background()))

	waitFor(t, time.Second, func() bool {
		return len(broker.framesByEvent(protocol.EventSubscribeRoom)) == 1
	})
	var sub protocol.RoomRefPayload
	require.NoError(t, json.Unmarshal(broker.framesByEvent(protocol.EventSubscribeRoom)[0].Payload, &sub))
	assert.Equal(t, "room-9", sub.RoomID)
}

func TestSendWhileDisconnectedIsRejected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:0"), dispatcher.New())
	err := m.Send(protocol.EventSendMessage, protocol.SendMessagePayload{RoomID: "r", Content: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInboundFramesAreDispatched(t *testing.T) {
	broker := &fakeBroker{t: t, answerPing: true}
	_, url := startBroker(t, broker)

	bus := dispatcher.New()
	var mu sync.Mutex
	var got []string
	bus.On(protocol.EventNewMessage, func(p json.RawMessage) {
		var msg protocol.NewMessagePayload
		require.NoError(t, json.Unmarshal(p, &msg))
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	})

	m := NewManager(testConfig(url), bus)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	broker.pushToClient(protocol.EventNewMessage, protocol.NewMessagePayload{ID: "m1", RoomID: "r"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "m1"
	})
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	broker := &fakeBroker{t: t, answerPing: false}
	_, url := startBroker(t, broker)

	m := NewManager(testConfig(url), dispatcher.New())
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	// Hold new connections down so the attempt counter is observable.
	broker.setRefuse(true)

	// No pong ever arrives: the heartbeat must force a disconnected
	// transition and start counting reconnect attempts.
	waitFor(t, 2*time.Second, func() bool { return m.Attempts() >= 1 })

	// Once the broker accepts again, reconnect succeeds and the counter
	// resets.
	broker.mu.Lock()
	broker.answerPing = true
	broker.mu.Unlock()
	broker.setRefuse(false)
	waitFor(t, 2*time.Second, func() bool {
		return m.State() == models.StateConnected && m.Attempts() == 0
	})
}

func TestConnectionDropSchedulesBackoffReconnect(t *testing.T) {
	broker := &fakeBroker{t: t, answerPing: true}
	_, url := startBroker(t, broker)

	m := NewManager(testConfig(url), dispatcher.New())
	defer m.Disconnect()

	var mu sync.Mutex
	var states []models.ConnectionState
	m.OnStateChange(func(s models.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	broker.dropClient()

	waitFor(t, 2*time.Second, func() bool { return m.State() == models.StateConnected })

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, models.StateReconnecting)
}

func TestManualReconnectResetsAttemptCounter(t *testing.T) {
	broker := &fakeBroker{t: t, answerPing: true}
	srv, url := startBroker(t, broker)

	m := NewManager(testConfig(url), dispatcher.New())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	// Kill the broker so automatic attempts pile up.
	broker.setRefuse(true)
	srv.CloseClientConnections()
	waitFor(t, 2*time.Second, func() bool { return m.Attempts() >= 1 })

	broker.setRefuse(false)
	require.NoError(t, m.ManualReconnect(context.Background()))
	waitFor(t, 2*time.Second, func() bool {
		return m.State() == models.StateConnected && m.Attempts() == 0
	})
}

func TestResumeReconnectsOnlyWhenDisconnected(t *testing.T) {
	broker := &fakeBroker{t: t, answerPing: true}
	_, url := startBroker(t, broker)

	m := NewManager(testConfig(url), dispatcher.New())
	defer m.Disconnect()

	require.NoError(t, m.Resume(context.Background()))
	assert.Equal(t, models.StateConnected, m.State())

	// Already connected: Resume is a no-op.
	require.NoError(t, m.Resume(context.Background()))
	assert.Equal(t, models.StateConnected, m.State())
}
