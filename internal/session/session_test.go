package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"roomsync/internal/connection"
	"roomsync/internal/dispatcher"
	"roomsync/internal/mocks"
	"roomsync/internal/models"
	"roomsync/internal/moderation"
	"roomsync/internal/presence"
	"roomsync/internal/protocol"
	"roomsync/internal/store"
)

type sentFrame struct {
	event   string
	payload any
}

// connStub records outbound frames in place of a live broker connection.
type connStub struct {
	mu      sync.Mutex
	frames  []sentFrame
	sendErr error
	subs    []string
	unsubs  []string
}

func (c *connStub) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, sentFrame{event: event, payload: payload})
	return nil
}

func (c *connStub) Subscribe(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, roomID)
	return nil
}

func (c *connStub) Unsubscribe(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, roomID)
	return nil
}

func (c *connStub) OnStateChange(func(models.ConnectionState)) func() {
	return func() {}
}

func (c *connStub) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *connStub) sent(event string) []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentFrame
	for _, f := range c.frames {
		if f.event == event {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	bus     *dispatcher.Dispatcher
	conn    *connStub
	store   *store.Store
	rooms   *mocks.RoomProviderMock
	session *Session

	mu        sync.Mutex
	terminals []presence.TerminalReason
	warnings  int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		bus:   dispatcher.New(),
		conn:  &connStub{},
		store: store.New("self", "Me"),
		rooms: &mocks.RoomProviderMock{},
	}

	h.rooms.On("GetRoom", mock.Anything, "room-1").Return(models.Room{ID: "room-1", ParticipantCount: 3}, nil)
	h.rooms.On("GetParticipants", mock.Anything, "room-1").Return([]models.Participant{
		{ID: "self", DisplayName: "Me"},
		{ID: "u-2", DisplayName: "Bea"},
		{ID: "u-3", DisplayName: "Cal"},
	}, nil)

	blockedProvider := &mocks.BlockedUsersProviderMock{}
	blockedProvider.On("GetBlockedUsers", mock.Anything).Return([]string{}, nil)
	blockedProvider.On("BlockUser", mock.Anything, mock.Anything).Return(nil)
	blocked := moderation.NewBlockedSet(blockedProvider)

	reports := &mocks.ReportClientMock{}
	reports.On("SubmitMessageReport", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	reports.On("SubmitRoomReport", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	opts = append([]Option{
		WithAckTimeout(80 * time.Millisecond),
		WithReadFlushDelay(20 * time.Millisecond),
		WithTypingStopDelay(time.Hour),
		WithTerminalHandler(func(reason presence.TerminalReason) {
			h.mu.Lock()
			h.terminals = append(h.terminals, reason)
			h.mu.Unlock()
		}),
		WithBlockedWarningHandler(func() {
			h.mu.Lock()
			h.warnings++
			h.mu.Unlock()
		}),
	}, opts...)

	h.session = New("room-1", Deps{
		Conn:    h.conn,
		Bus:     h.bus,
		Store:   h.store,
		Rooms:   h.rooms,
		Blocked: blocked,
		Bridge:  moderation.NewBridge(reports, blocked),
	}, opts...)
	t.Cleanup(h.session.Close)

	return h
}

func (h *harness) emit(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	h.bus.Emit(event, raw)
}

func (h *harness) terminalReasons() []presence.TerminalReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]presence.TerminalReason, len(h.terminals))
	copy(out, h.terminals)
	return out
}

func messageCount(entries []models.TimelineEntry) int {
	n := 0
	for _, e := range entries {
		if e.Message != nil {
			n++
		}
	}
	return n
}

func TestJoinSubscribesAndLoadsParticipants(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Join(context.Background()))

	assert.Equal(t, []string{"room-1"}, h.conn.subs)
	assert.Equal(t, 3, h.session.ParticipantCount())
	assert.Len(t, h.session.Participants(), 3)
}

func TestJoinRejectsClosedRoom(t *testing.T) {
	h := newHarness(t)
	h.rooms.ExpectedCalls = nil
	h.rooms.On("GetRoom", mock.Anything, "room-1").Return(models.Room{ID: "room-1", IsClosed: true}, nil)

	err := h.session.Join(context.Background())
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestOptimisticSendConfirmedByAckAndBroadcast(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	msg, err := h.session.SendMessage("hello")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSending, msg.Status)
	require.Len(t, h.conn.sent(protocol.EventSendMessage), 1)

	h.emit(t, protocol.EventMessageAck, protocol.MessageAckPayload{
		ClientMessageID: msg.ClientMessageID,
		MessageID:       "srv-1",
		Status:          "sent",
	})
	h.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		ID:              "srv-1",
		RoomID:          "room-1",
		Content:         "hello",
		CreatedAt:       time.Now(),
		Sender:          protocol.WireSender{ID: "self", DisplayName: "Me"},
		ClientMessageID: msg.ClientMessageID,
	})

	entries := h.session.Timeline()
	require.Equal(t, 1, messageCount(entries))
	got := entries[0].Message
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestSendWhileDisconnectedMarksFailed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.conn.setSendErr(connection.ErrNotConnected)
	msg, err := h.session.SendMessage("offline")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, msg.Status)

	entries := h.session.Timeline()
	require.Equal(t, 1, messageCount(entries))
	assert.Equal(t, models.StatusFailed, entries[0].Message.Status)
}

func TestAckTimeoutMarksFailedAndRetryResends(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	msg, err := h.session.SendMessage("slow")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := h.session.Timeline()
		return messageCount(entries) == 1 && entries[0].Message.Status == models.StatusFailed
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.session.RetryMessage(msg.ClientMessageID))

	sends := h.conn.sent(protocol.EventSendMessage)
	require.Len(t, sends, 2)
	first := sends[0].payload.(protocol.SendMessagePayload)
	second := sends[1].payload.(protocol.SendMessagePayload)
	assert.Equal(t, first.ClientMessageID, second.ClientMessageID)
	assert.Equal(t, "slow", second.Content)

	// The retry confirms this time.
	h.emit(t, protocol.EventMessageAck, protocol.MessageAckPayload{
		ClientMessageID: msg.ClientMessageID,
		MessageID:       "srv-9",
		Status:          "sent",
	})
	entries := h.session.Timeline()
	assert.Equal(t, models.StatusSent, entries[0].Message.Status)
}

func TestViewportAtBottomBatchesMarkRead(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.session.SetViewportAtBottom(true)

	h.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		ID: "srv-1", RoomID: "room-1", Content: "hi", CreatedAt: time.Now(),
		Sender: protocol.WireSender{ID: "u-2", DisplayName: "Bea"},
	})
	h.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		ID: "srv-2", RoomID: "room-1", Content: "there", CreatedAt: time.Now(),
		Sender: protocol.WireSender{ID: "u-2", DisplayName: "Bea"},
	})

	require.Eventually(t, func() bool {
		return len(h.conn.sent(protocol.EventMarkRead)) == 1
	}, time.Second, 10*time.Millisecond)

	p := h.conn.sent(protocol.EventMarkRead)[0].payload.(protocol.MarkReadPayload)
	assert.ElementsMatch(t, []string{"srv-1", "srv-2"}, p.MessageIDs)
	assert.Equal(t, 0, h.session.UnreadCount())
}

func TestReadReceiptFromOtherUserMarksOwnMessages(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	msg, err := h.session.SendMessage("seen yet?")
	require.NoError(t, err)
	h.emit(t, protocol.EventMessageAck, protocol.MessageAckPayload{
		ClientMessageID: msg.ClientMessageID, MessageID: "srv-1", Status: "delivered",
	})

	h.emit(t, protocol.EventMessagesRead, protocol.MessagesReadPayload{
		RoomID: "room-1", ReaderID: "u-2", MessageIDs: []string{"srv-1"},
	})

	entries := h.session.Timeline()
	assert.Equal(t, models.StatusRead, entries[0].Message.Status)
}

func TestReactionFrameUpdatesMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		ID: "srv-1", RoomID: "room-1", Content: "hi", CreatedAt: time.Now(),
		Sender: protocol.WireSender{ID: "u-2", DisplayName: "Bea"},
	})
	h.emit(t, protocol.EventMessageReaction, protocol.MessageReactionPayload{
		RoomID:    "room-1",
		MessageID: "srv-1",
		Reactions: []protocol.WireReaction{{Emoji: "🔥", Count: 2, UserReacted: true}},
	})

	entries := h.session.Timeline()
	require.Equal(t, 1, messageCount(entries))
	require.Len(t, entries[0].Message.Reactions, 1)
	assert.Equal(t, "🔥", entries[0].Message.Reactions[0].Emoji)
	assert.Equal(t, 2, entries[0].Message.Reactions[0].Count)
}

func TestFramesForOtherRoomsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		ID: "srv-1", RoomID: "room-9", Content: "elsewhere", CreatedAt: time.Now(),
		Sender: protocol.WireSender{ID: "u-2", DisplayName: "Bea"},
	})

	assert.Equal(t, 0, messageCount(h.session.Timeline()))
}

func TestSelfBanIsTerminalAndStopsFrameHandling(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.emit(t, protocol.EventUserBanned, protocol.UserBannedPayload{
		RoomID: "room-1", BannedUserID: "self", DisplayName: "Me",
	})

	require.Equal(t, []presence.TerminalReason{presence.TerminalBanned}, h.terminalReasons())

	// The scope is closed; later frames for the room no longer land.
	h.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		ID: "srv-1", RoomID: "room-1", Content: "late", CreatedAt: time.Now(),
		Sender: protocol.WireSender{ID: "u-2", DisplayName: "Bea"},
	})
	assert.Equal(t, 0, messageCount(h.session.Timeline()))
}

func TestExternalRoomClosedIsTerminal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.emit(t, protocol.EventRoomClosed, protocol.RoomClosedPayload{RoomID: "room-1"})

	assert.Equal(t, []presence.TerminalReason{presence.TerminalClosed}, h.terminalReasons())
}

func TestSelfCloseSuppressesTerminalNotice(t *testing.T) {
	h := newHarness(t)
	h.rooms.On("CloseRoom", mock.Anything, "room-1").Return(nil)
	require.NoError(t, h.session.Join(context.Background()))

	// The room_closed broadcast may race the close request's completion;
	// emit it mid-close to exercise the intent token.
	require.NoError(t, h.session.CloseRoom(context.Background()))
	h.emit(t, protocol.EventRoomClosed, protocol.RoomClosedPayload{RoomID: "room-1"})

	assert.Empty(t, h.terminalReasons())
	h.rooms.AssertCalled(t, "CloseRoom", mock.Anything, "room-1")
}

func TestLeaveUnsubscribesAndDropsTimeline(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.emit(t, protocol.EventNewMessage, protocol.NewMessagePayload{
		ID: "srv-1", RoomID: "room-1", Content: "hi", CreatedAt: time.Now(),
		Sender: protocol.WireSender{ID: "u-2", DisplayName: "Bea"},
	})
	require.Equal(t, 1, messageCount(h.session.Timeline()))

	require.NoError(t, h.session.Leave(context.Background()))

	assert.Equal(t, []string{"room-1"}, h.conn.unsubs)
	assert.Equal(t, 0, messageCount(h.session.Timeline()))
}

func TestBlockedParticipantWarnsOnceOnJoin(t *testing.T) {
	h := newHarness(t)

	// Recreate the session with a blocked set containing a participant.
	blockedProvider := &mocks.BlockedUsersProviderMock{}
	blockedProvider.On("GetBlockedUsers", mock.Anything).Return([]string{"u-2"}, nil)
	blocked := moderation.NewBlockedSet(blockedProvider)

	reports := &mocks.ReportClientMock{}
	h.session = New("room-1", Deps{
		Conn:    h.conn,
		Bus:     h.bus,
		Store:   h.store,
		Rooms:   h.rooms,
		Blocked: blocked,
		Bridge:  moderation.NewBridge(reports, blocked),
	}, WithBlockedWarningHandler(func() {
		h.mu.Lock()
		h.warnings++
		h.mu.Unlock()
	}))
	t.Cleanup(h.session.Close)

	require.NoError(t, h.session.Join(context.Background()))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.warnings)
}

func TestTypingFrameUpdatesTypingNames(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.emit(t, protocol.EventTyping, protocol.TypingPayload{
		RoomID: "room-1", UserID: "u-2", DisplayName: "Bea", IsTyping: true,
	})
	assert.Equal(t, []string{"Bea"}, h.session.TypingNames())

	h.emit(t, protocol.EventTyping, protocol.TypingPayload{
		RoomID: "room-1", UserID: "u-2", DisplayName: "Bea", IsTyping: false,
	})
	assert.Empty(t, h.session.TypingNames())
}

func TestMembershipFramesSynthesizeNotices(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Join(context.Background()))

	h.emit(t, protocol.EventUserJoined, protocol.UserJoinedPayload{
		RoomID: "room-1", User: protocol.WireUser{ID: "u-4", DisplayName: "Dee"}, ParticipantCount: 4,
	})
	h.emit(t, protocol.EventUserLeft, protocol.UserLeftPayload{
		RoomID: "room-1", User: protocol.WireUser{ID: "u-4", DisplayName: "Dee"}, ParticipantCount: 3,
	})

	assert.Equal(t, 3, h.session.ParticipantCount())

	entries := h.session.Timeline()
	var kinds []models.NoticeKind
	for _, e := range entries {
		if e.Notice != nil {
			kinds = append(kinds, e.Notice.Kind)
		}
	}
	assert.Equal(t, []models.NoticeKind{models.NoticeJoined, models.NoticeLeft}, kinds)
}
