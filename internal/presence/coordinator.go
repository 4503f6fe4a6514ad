// Package presence tracks typing users and room membership for the active
// room, and synthesizes the system notices the timeline shows for other
// participants.
package presence

import (
	"log"
	"sort"
	"sync"
	"time"

	"roomsync/internal/models"
	"roomsync/internal/protocol"
	"roomsync/internal/store"
)

// DefaultTypingStopDelay is how long after the last input activity the
// automatic typing_stop is sent.
const DefaultTypingStopDelay = 3 * time.Second

// SendFunc writes one outbound frame; satisfied by *connection.Manager.
type SendFunc func(event string, payload any) error

// TerminalReason says why a room became unusable for the local user.
type TerminalReason string

const (
	TerminalKicked TerminalReason = "kicked"
	TerminalBanned TerminalReason = "banned"
	TerminalClosed TerminalReason = "closed"
)

// Coordinator owns typing and membership state for one room.
type Coordinator struct {
	roomID    string
	selfID    string
	send      SendFunc
	store     *store.Store
	stopDelay time.Duration
	// onTerminal fires when the room must be left: self kicked/banned, or
	// the room closed by someone else.
	onTerminal func(TerminalReason)

	mu               sync.Mutex
	typing           map[string]string // userID -> displayName
	typingActive     bool
	stopTimer        *time.Timer
	participantCount int
	selfCloseIntent  bool
	closed           bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTypingStopDelay overrides the typing-stop debounce window.
func WithTypingStopDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.stopDelay = d }
}

// WithTerminalHandler installs the callback for terminal room events.
func WithTerminalHandler(fn func(TerminalReason)) Option {
	return func(c *Coordinator) { c.onTerminal = fn }
}

// NewCoordinator builds a coordinator for one room.
func NewCoordinator(roomID, selfID string, send SendFunc, st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		roomID:    roomID,
		selfID:    selfID,
		send:      send,
		store:     st,
		stopDelay: DefaultTypingStopDelay,
		typing:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartTyping reports local input activity. typing_start goes out once per
// burst; each call pushes the automatic typing_stop out by the debounce
// window.
func (c *Coordinator) StartTyping() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	first := !c.typingActive
	c.typingActive = true
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.stopTimer = time.AfterFunc(c.stopDelay, c.autoStopTyping)
	c.mu.Unlock()

	if first {
		if err := c.send(protocol.EventTypingStart, protocol.RoomRefPayload{RoomID: c.roomID}); err != nil {
			log.Printf("typing_start send failed: %v", err)
		}
	}
}

// StopTyping ends the local typing burst immediately, e.g. on message submit.
func (c *Coordinator) StopTyping() {
	c.mu.Lock()
	wasActive := c.typingActive
	c.typingActive = false
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.mu.Unlock()

	if wasActive {
		if err := c.send(protocol.EventTypingStop, protocol.RoomRefPayload{RoomID: c.roomID}); err != nil {
			log.Printf("typing_stop send failed: %v", err)
		}
	}
}

func (c *Coordinator) autoStopTyping() {
	c.mu.Lock()
	if c.closed || !c.typingActive {
		c.mu.Unlock()
		return
	}
	c.typingActive = false
	c.stopTimer = nil
	c.mu.Unlock()

	if err := c.send(protocol.EventTypingStop, protocol.RoomRefPayload{RoomID: c.roomID}); err != nil {
		log.Printf("typing_stop send failed: %v", err)
	}
}

// HandleTyping applies an inbound typing frame. A non-typing frame removes
// the sender regardless of prior state.
func (c *Coordinator) HandleTyping(p protocol.TypingPayload) {
	if p.RoomID != c.roomID || p.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsTyping {
		c.typing[p.UserID] = p.DisplayName
	} else {
		delete(c.typing, p.UserID)
	}
}

// TypingNames returns the display names currently typing, sorted for stable
// rendering.
func (c *Coordinator) TypingNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.typing))
	for _, name := range c.typing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParticipantCount returns the last known participant count.
func (c *Coordinator) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantCount
}

// SetParticipantCount applies an authoritative refresh.
func (c *Coordinator) SetParticipantCount(n int) {
	c.mu.Lock()
	c.participantCount = n
	c.mu.Unlock()
}

// HandleUserJoined applies a join frame and synthesizes a notice for other
// users.
func (c *Coordinator) HandleUserJoined(p protocol.UserJoinedPayload) {
	if p.RoomID != c.roomID {
		return
	}

	c.mu.Lock()
	c.participantCount = p.ParticipantCount
	c.mu.Unlock()

	if p.User.ID != c.selfID {
		c.store.AppendNotice(models.SystemNotice{
			RoomID:      c.roomID,
			Kind:        models.NoticeJoined,
			DisplayName: p.User.DisplayName,
		})
	}
}

// HandleUserLeft applies a leave frame.
func (c *Coordinator) HandleUserLeft(p protocol.UserLeftPayload) {
	if p.RoomID != c.roomID {
		return
	}

	c.mu.Lock()
	c.participantCount = p.ParticipantCount
	delete(c.typing, p.User.ID)
	c.mu.Unlock()

	if p.User.ID != c.selfID {
		c.store.AppendNotice(models.SystemNotice{
			RoomID:      c.roomID,
			Kind:        models.NoticeLeft,
			DisplayName: p.User.DisplayName,
		})
	}
}

// HandleParticipantCount applies a count-only update.
func (c *Coordinator) HandleParticipantCount(p protocol.ParticipantCountPayload) {
	if p.RoomID != c.roomID {
		return
	}
	c.SetParticipantCount(p.ParticipantCount)
}

// HandleUserKicked applies a kick frame. A kick of the local user is a
// terminal room event unless the local user initiated the close themselves.
func (c *Coordinator) HandleUserKicked(p protocol.UserKickedPayload) {
	if p.RoomID != c.roomID {
		return
	}

	if p.KickedUserID == c.selfID {
		c.terminate(TerminalKicked)
		return
	}

	c.mu.Lock()
	if c.participantCount > 0 {
		c.participantCount--
	}
	delete(c.typing, p.KickedUserID)
	c.mu.Unlock()

	c.store.AppendNotice(models.SystemNotice{
		RoomID:      c.roomID,
		Kind:        models.NoticeKicked,
		DisplayName: p.DisplayName,
	})
}

// HandleUserBanned applies a ban frame, mirroring kick handling.
func (c *Coordinator) HandleUserBanned(p protocol.UserBannedPayload) {
	if p.RoomID != c.roomID {
		return
	}

	if p.BannedUserID == c.selfID {
		c.terminate(TerminalBanned)
		return
	}

	c.mu.Lock()
	if c.participantCount > 0 {
		c.participantCount--
	}
	delete(c.typing, p.BannedUserID)
	c.mu.Unlock()

	c.store.AppendNotice(models.SystemNotice{
		RoomID:      c.roomID,
		Kind:        models.NoticeBanned,
		DisplayName: p.DisplayName,
	})
}

// HandleRoomClosed applies a room_closed frame. The broadcast may race the
// completion of the local user's own close request; the intent token set by
// MarkSelfClose suppresses the misleading "room closed" notice in that case.
func (c *Coordinator) HandleRoomClosed(p protocol.RoomClosedPayload) {
	if p.RoomID != c.roomID {
		return
	}

	c.mu.Lock()
	selfInitiated := c.selfCloseIntent
	c.mu.Unlock()

	if selfInitiated {
		return
	}
	c.terminate(TerminalClosed)
}

// MarkSelfClose records that the local user is about to close or leave the
// room. Must be called before issuing the close/leave request.
func (c *Coordinator) MarkSelfClose() {
	c.mu.Lock()
	c.selfCloseIntent = true
	c.mu.Unlock()
}

func (c *Coordinator) terminate(reason TerminalReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onTerminal
	c.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
}

// Close cancels the debounce timer and stops the coordinator. Safe to call
// more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.typingActive = false
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.typing = make(map[string]string)
	c.mu.Unlock()
}
