// Package session wires the per-room components together: it registers every
// room-scoped frame handler in one dispatcher scope, owns the presence
// coordinator and read-receipt tracker for the room, and tears the whole
// arrangement down in one Close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"roomsync/internal/connection"
	"roomsync/internal/dispatcher"
	"roomsync/internal/guard"
	"roomsync/internal/models"
	"roomsync/internal/moderation"
	"roomsync/internal/observability"
	"roomsync/internal/presence"
	"roomsync/internal/protocol"
	"roomsync/internal/providers"
	"roomsync/internal/receipts"
	"roomsync/internal/store"
	"roomsync/internal/telemetry"
)

// ErrRoomClosed rejects joining a room the server already closed.
var ErrRoomClosed = errors.New("room is closed")

// DefaultAckTimeout is how long an optimistic send may stay unacknowledged
// before it is marked failed.
const DefaultAckTimeout = 10 * time.Second

// Conn is the slice of the connection manager a room session uses.
type Conn interface {
	Send(event string, payload any) error
	Subscribe(roomID string) error
	Unsubscribe(roomID string) error
	OnStateChange(fn func(models.ConnectionState)) func()
}

var _ Conn = (*connection.Manager)(nil)

// Deps are the process-wide collaborators a room session is built on.
type Deps struct {
	Conn    Conn
	Bus     *dispatcher.Dispatcher
	Store   *store.Store
	Rooms   providers.RoomProvider
	Blocked *moderation.BlockedSet
	Bridge  *moderation.Bridge
	Audit   *telemetry.AuditEmitter
}

// Option configures a Session.
type Option func(*Session)

// WithAckTimeout overrides the optimistic-send ack deadline.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Session) { s.ackTimeout = d }
}

// WithReadFlushDelay overrides the read-mark batching window.
func WithReadFlushDelay(d time.Duration) Option {
	return func(s *Session) { s.readFlushDelay = d }
}

// WithTypingStopDelay overrides the typing-stop debounce window.
func WithTypingStopDelay(d time.Duration) Option {
	return func(s *Session) { s.typingStopDelay = d }
}

// WithTerminalHandler installs the callback fired when the room becomes
// unusable for the local user (kicked, banned, or closed by someone else).
// The session tears itself down after the callback returns.
func WithTerminalHandler(fn func(presence.TerminalReason)) Option {
	return func(s *Session) { s.onTerminal = fn }
}

// WithBlockedWarningHandler installs the callback fired when the room turns
// out to contain a user the local user has blocked.
func WithBlockedWarningHandler(fn func()) Option {
	return func(s *Session) { s.onBlockedWarning = fn }
}

// Session is the live state of one joined room.
type Session struct {
	roomID string
	deps   Deps

	presence *presence.Coordinator
	receipts *receipts.Tracker
	guard    *guard.BlockedUserGuard
	scope    *dispatcher.Scope

	ackTimeout      time.Duration
	readFlushDelay  time.Duration
	typingStopDelay time.Duration

	onTerminal       func(presence.TerminalReason)
	onBlockedWarning func()

	mu           sync.Mutex
	ackTimers    map[string]*time.Timer
	participants []models.Participant
	stateDispose func()

	closeOnce sync.Once
}

// New builds a session for one room. Nothing is registered or sent until Join.
func New(roomID string, deps Deps, opts ...Option) *Session {
	s := &Session{
		roomID:          roomID,
		deps:            deps,
		guard:           guard.New(),
		ackTimeout:      DefaultAckTimeout,
		readFlushDelay:  receipts.DefaultFlushDelay,
		typingStopDelay: presence.DefaultTypingStopDelay,
		ackTimers:       make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.presence = presence.NewCoordinator(roomID, deps.Store.SelfID(), deps.Conn.Send, deps.Store,
		presence.WithTypingStopDelay(s.typingStopDelay),
		presence.WithTerminalHandler(s.handleTerminal))
	s.receipts = receipts.NewTracker(s.readFlushDelay,
		func() []string { return deps.Store.EligibleForRead(roomID) },
		s.flushReadMarks)
	s.scope = deps.Bus.NewScope()

	return s
}

// RoomID returns the room this session is bound to.
func (s *Session) RoomID() string {
	return s.roomID
}

// Join validates the room, loads authoritative state, registers the room's
// frame handlers and subscribes on the broker.
func (s *Session) Join(ctx context.Context) error {
	// The blocked set gates the guard warning; a failed load just defers the
	// warning until a later refresh succeeds.
	if err := s.deps.Blocked.Load(ctx); err != nil {
		log.Printf("blocked set load failed: %v", err)
	}

	room, err := s.deps.Rooms.GetRoom(ctx, s.roomID)
	if err != nil {
		return err
	}
	if room.IsClosed {
		return ErrRoomClosed
	}
	s.presence.SetParticipantCount(room.ParticipantCount)

	if err := s.refreshParticipants(ctx); err != nil {
		log.Printf("participant refresh failed room=%s: %v", s.roomID, err)
	}

	s.registerHandlers()

	// Reconnection does not replay missed frames; every reconnect refreshes
	// authoritative participant state instead.
	s.stateDispose = s.deps.Conn.OnStateChange(func(state models.ConnectionState) {
		if state == models.StateConnected {
			go func() {
				if err := s.refreshParticipants(context.Background()); err != nil {
					log.Printf("post-reconnect refresh failed room=%s: %v", s.roomID, err)
				}
			}()
		}
	})

	if err := s.deps.Conn.Subscribe(s.roomID); err != nil {
		log.Printf("subscribe failed room=%s: %v", s.roomID, err)
	}

	_ = observability.PublishEvent(ctx, "engine.room", observability.EventEnvelope{
		EventType: "engine_events",
		EventName: "room_joined",
		Payload:   map[string]interface{}{"roomId": s.roomID},
	}, nil)

	return nil
}

func (s *Session) registerHandlers() {
	s.scope.On(protocol.EventNewMessage, func(raw json.RawMessage) {
		var p protocol.NewMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("bad new_message payload: %v", err)
			return
		}
		if p.RoomID != s.roomID {
			return
		}

		msg, appended := s.deps.Store.Reconcile(p)
		if msg.ClientMessageID != "" {
			s.cancelAckTimer(msg.ClientMessageID)
		}
		if appended && msg.Sender.ID != s.deps.Store.SelfID() {
			s.receipts.NotifyNewMessage()
		}
	})

	s.scope.On(protocol.EventMessageAck, func(raw json.RawMessage) {
		var p protocol.MessageAckPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("bad message_ack payload: %v", err)
			return
		}
		if s.deps.Store.ApplyAck(p) && p.Status != string(models.StatusSending) {
			s.cancelAckTimer(p.ClientMessageID)
		}
	})

	s.scope.On(protocol.EventMessagesRead, func(raw json.RawMessage) {
		var p protocol.MessagesReadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("bad messages_read payload: %v", err)
			return
		}
		if p.RoomID != s.roomID || p.ReaderID == s.deps.Store.SelfID() {
			return
		}
		s.deps.Store.ApplyReadReceipt(s.roomID, p.MessageIDs)
	})

	s.scope.On(protocol.EventMessageReaction, func(raw json.RawMessage) {
		var p protocol.MessageReactionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("bad message_reaction payload: %v", err)
			return
		}
		if p.RoomID != s.roomID {
			return
		}
		reactions := make([]models.Reaction, 0, len(p.Reactions))
		for _, r := range p.Reactions {
			reactions = append(reactions, models.Reaction{Emoji: r.Emoji, Count: r.Count, UserReacted: r.UserReacted})
		}
		s.deps.Store.ApplyReaction(s.roomID, p.MessageID, reactions)
	})

	s.scope.On(protocol.EventTyping, decode(s.presence.HandleTyping))
	s.scope.On(protocol.EventUserJoined, decode(s.presence.HandleUserJoined))
	s.scope.On(protocol.EventUserLeft, decode(s.presence.HandleUserLeft))
	s.scope.On(protocol.EventUserKicked, decode(s.presence.HandleUserKicked))
	s.scope.On(protocol.EventUserBanned, decode(s.presence.HandleUserBanned))
	s.scope.On(protocol.EventRoomClosed, decode(s.presence.HandleRoomClosed))
	s.scope.On(protocol.EventParticipantCount, decode(s.presence.HandleParticipantCount))

	s.scope.On(protocol.EventSubscribed, func(raw json.RawMessage) {
		var p protocol.RoomRefPayload
		if err := json.Unmarshal(raw, &p); err != nil || p.RoomID != s.roomID {
			return
		}
		go func() {
			if err := s.refreshParticipants(context.Background()); err != nil {
				log.Printf("post-subscribe refresh failed room=%s: %v", s.roomID, err)
			}
		}()
	})

	s.scope.On(protocol.EventError, func(raw json.RawMessage) {
		var p protocol.ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		log.Printf("broker error room=%s code=%s: %s", s.roomID, p.Code, p.Message)
	})
}

// decode adapts a typed payload handler to the dispatcher's raw signature.
func decode[T any](handle func(T)) dispatcher.Handler {
	return func(raw json.RawMessage) {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("bad payload: %v", err)
			return
		}
		handle(p)
	}
}

func (s *Session) refreshParticipants(ctx context.Context) error {
	participants, err := s.deps.Rooms.GetParticipants(ctx, s.roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.participants = participants
	s.mu.Unlock()
	s.presence.SetParticipantCount(len(participants))

	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}
	if s.guard.CheckRoom(s.roomID, ids, s.deps.Blocked.IDs(), s.deps.Blocked.Loaded()) {
		if s.onBlockedWarning != nil {
			s.onBlockedWarning()
		}
	}
	return nil
}

// SendMessage appends an optimistic record and sends it. Validation failures
// return an error; a transport failure instead leaves the record in the
// timeline with status failed, to be retried via RetryMessage.
func (s *Session) SendMessage(content string) (models.Message, error) {
	msg, err := s.deps.Store.AppendOptimistic(s.roomID, content)
	if err != nil {
		return models.Message{}, err
	}

	// Submitting a message ends the local typing burst.
	s.presence.StopTyping()

	s.startAckTimer(msg.ClientMessageID)
	if err := s.deps.Conn.Send(protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:          s.roomID,
		Content:         msg.Content,
		ClientMessageID: msg.ClientMessageID,
	}); err != nil {
		log.Printf("send_message failed client_id=%s: %v", msg.ClientMessageID, err)
		s.cancelAckTimer(msg.ClientMessageID)
		s.deps.Store.MarkFailed(s.roomID, msg.ClientMessageID)
		msg.Status = models.StatusFailed
	}
	return msg, nil
}

// RetryMessage resends a failed optimistic message under its original
// clientMessageId, without the caller re-entering content.
func (s *Session) RetryMessage(clientMessageID string) error {
	msg, err := s.deps.Store.PrepareRetry(s.roomID, clientMessageID)
	if err != nil {
		return err
	}

	s.startAckTimer(clientMessageID)
	if err := s.deps.Conn.Send(protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:          s.roomID,
		Content:         msg.Content,
		ClientMessageID: clientMessageID,
	}); err != nil {
		s.cancelAckTimer(clientMessageID)
		s.deps.Store.MarkFailed(s.roomID, clientMessageID)
		return err
	}
	return nil
}

// React sends a reaction toggle for a confirmed message.
func (s *Session) React(messageID, emoji string) error {
	return s.deps.Conn.Send(protocol.EventSendReaction, protocol.SendReactionPayload{
		RoomID:    s.roomID,
		MessageID: messageID,
		Emoji:     emoji,
	})
}

// StartTyping reports local input activity.
func (s *Session) StartTyping() { s.presence.StartTyping() }

// StopTyping ends the local typing burst immediately.
func (s *Session) StopTyping() { s.presence.StopTyping() }

// SetViewportAtBottom reports whether the timeline view rests at the newest
// message; resting there marks inbound messages read.
func (s *Session) SetViewportAtBottom(atBottom bool) {
	s.receipts.OnViewportChange(atBottom)
}

func (s *Session) flushReadMarks(ids []string) {
	s.deps.Store.MarkRead(s.roomID, ids)
	if err := s.deps.Conn.Send(protocol.EventMarkRead, protocol.MarkReadPayload{
		RoomID:     s.roomID,
		MessageIDs: ids,
	}); err != nil {
		log.Printf("mark_read send failed room=%s: %v", s.roomID, err)
	}
}

// Timeline returns a snapshot of the room timeline.
func (s *Session) Timeline() []models.TimelineEntry {
	return s.deps.Store.Timeline(s.roomID)
}

// TypingNames returns the display names currently typing.
func (s *Session) TypingNames() []string {
	return s.presence.TypingNames()
}

// ParticipantCount returns the last known participant count.
func (s *Session) ParticipantCount() int {
	return s.presence.ParticipantCount()
}

// Participants returns the last fetched participant list.
func (s *Session) Participants() []models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// UnreadCount returns the number of confirmed inbound messages not yet read.
func (s *Session) UnreadCount() int {
	return s.deps.Store.UnreadCount(s.roomID)
}

// ReportMessage reports a message in this room.
func (s *Session) ReportMessage(ctx context.Context, messageID, reason string) error {
	if err := s.deps.Bridge.ReportMessage(ctx, s.roomID, messageID, reason); err != nil {
		return err
	}
	s.deps.Audit.Emit(ctx, "info", "message reported: "+messageID, s.roomID, nil)
	return nil
}

// ReportRoom reports this room. The caller decides separately whether to
// leave afterwards.
func (s *Session) ReportRoom(ctx context.Context, reason string) error {
	if err := s.deps.Bridge.ReportRoom(ctx, s.roomID, reason); err != nil {
		return err
	}
	s.deps.Audit.Emit(ctx, "info", "room reported", s.roomID, nil)
	return nil
}

// BlockUser blocks a user and records them in the session blocked set.
func (s *Session) BlockUser(ctx context.Context, userID string) error {
	if err := s.deps.Bridge.BlockUser(ctx, userID); err != nil {
		return err
	}
	s.deps.Audit.Emit(ctx, "info", "user blocked", s.roomID, &userID)
	return nil
}

// Leave exits the room voluntarily: the self-close intent suppresses the
// removal notice raced in by broker broadcasts, the broker subscription is
// dropped and all room-scoped state is torn down.
func (s *Session) Leave(ctx context.Context) error {
	s.presence.MarkSelfClose()
	err := s.deps.Conn.Unsubscribe(s.roomID)
	if err != nil && !errors.Is(err, connection.ErrNotConnected) {
		log.Printf("unsubscribe failed room=%s: %v", s.roomID, err)
	}

	_ = observability.PublishEvent(ctx, "engine.room", observability.EventEnvelope{
		EventType: "engine_events",
		EventName: "room_left",
		Payload:   map[string]interface{}{"roomId": s.roomID},
	}, nil)

	s.Close()
	return nil
}

// CloseRoom closes a room the local user owns, then leaves. The intent token
// is set before the request so the room_closed broadcast racing the response
// does not surface as an external closure.
func (s *Session) CloseRoom(ctx context.Context) error {
	s.presence.MarkSelfClose()
	if err := s.deps.Rooms.CloseRoom(ctx, s.roomID); err != nil {
		return err
	}
	s.deps.Audit.Emit(ctx, "info", "room closed by creator", s.roomID, nil)
	return s.Leave(ctx)
}

func (s *Session) handleTerminal(reason presence.TerminalReason) {
	log.Printf("room %s terminal: %s", s.roomID, reason)
	if s.onTerminal != nil {
		s.onTerminal(reason)
	}
	s.Close()
}

func (s *Session) startAckTimer(clientMessageID string) {
	timer := time.AfterFunc(s.ackTimeout, func() {
		if s.deps.Store.MarkFailed(s.roomID, clientMessageID) {
			log.Printf("send timed out client_id=%s", clientMessageID)
		}
		s.mu.Lock()
		delete(s.ackTimers, clientMessageID)
		s.mu.Unlock()
	})

	s.mu.Lock()
	if old, ok := s.ackTimers[clientMessageID]; ok {
		old.Stop()
	}
	s.ackTimers[clientMessageID] = timer
	s.mu.Unlock()
}

func (s *Session) cancelAckTimer(clientMessageID string) {
	s.mu.Lock()
	if timer, ok := s.ackTimers[clientMessageID]; ok {
		timer.Stop()
		delete(s.ackTimers, clientMessageID)
	}
	s.mu.Unlock()
}

// Close tears down every room-scoped resource: frame handlers, debounce and
// batch timers, pending ack timers and the local timeline. Safe to call more
// than once; after Close no frame for this room reaches a handler.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.scope.Close()
		if s.stateDispose != nil {
			s.stateDispose()
		}
		s.receipts.Close()
		s.presence.Close()

		s.mu.Lock()
		for id, timer := range s.ackTimers {
			timer.Stop()
			delete(s.ackTimers, id)
		}
		s.mu.Unlock()

		s.deps.Store.DropRoom(s.roomID)
		s.guard.Reset(s.roomID)
	})
}
