// Package store owns the per-room message timelines: optimistic inserts,
// ack reconciliation and status transitions.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomsync/internal/models"
	"roomsync/internal/observability"
	"roomsync/internal/protocol"
)

// MaxContentLength caps outbound message content.
const MaxContentLength = 1000

var (
	ErrContentTooLong  = errors.New("message content exceeds limit")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrMessageNotFound = errors.New("message not found")
)

type timeline struct {
	entries    []models.TimelineEntry
	byClientID map[string]*models.Message
	byServerID map[string]*models.Message
}

func newTimeline() *timeline {
	return &timeline{
		byClientID: make(map[string]*models.Message),
		byServerID: make(map[string]*models.Message),
	}
}

// Store holds the in-memory timelines for every room the client is in.
// Rooms are ephemeral; dropping a room discards its history.
type Store struct {
	mu       sync.Mutex
	selfID   string
	selfName string
	rooms    map[string]*timeline
	// clientRoom maps clientMessageId to its room; message_ack frames do not
	// carry a room id.
	clientRoom map[string]string
}

// New creates a store for the local user.
func New(selfID, selfName string) *Store {
	return &Store{
		selfID:     selfID,
		selfName:   selfName,
		rooms:      make(map[string]*timeline),
		clientRoom: make(map[string]string),
	}
}

// SelfID returns the local user id.
func (s *Store) SelfID() string {
	return s.selfID
}

func (s *Store) room(roomID string) *timeline {
	tl, ok := s.rooms[roomID]
	if !ok {
		tl = newTimeline()
		s.rooms[roomID] = tl
	}
	return tl
}

// AppendOptimistic inserts a locally created message with status sending and
// a fresh clientMessageId. The message is visible to callers immediately.
func (s *Store) AppendOptimistic(roomID, content string) (models.Message, error) {
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}
	if len([]rune(content)) > MaxContentLength {
		return models.Message{}, ErrContentTooLong
	}

	msg := &models.Message{
		ClientMessageID: uuid.NewString(),
		RoomID:          roomID,
		Sender:          models.Sender{ID: s.selfID, DisplayName: s.selfName},
		Content:         content,
		CreatedAt:       time.Now(),
		Status:          models.StatusSending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	tl.entries = append(tl.entries, models.TimelineEntry{Message: msg})
	tl.byClientID[msg.ClientMessageID] = msg
	s.clientRoom[msg.ClientMessageID] = roomID

	return *msg, nil
}

// Reconcile merges an inbound new_message frame into the room timeline
// without ever producing a duplicate record. It reports the resulting message
// and whether a new record was appended.
//
// Match order: server id, then clientMessageId, then (for the local user's
// own sends) a sending-status record with identical content — the fallback
// covers acks that lost their clientMessageId across devices.
func (s *Store) Reconcile(p protocol.NewMessagePayload) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(p.RoomID)

	if msg, ok := tl.byServerID[p.ID]; ok && p.ID != "" {
		// Duplicate delivery: refresh status in place, keep position.
		if msg.Status.Before(models.StatusDelivered) || msg.Status == models.StatusFailed {
			msg.Status = models.StatusDelivered
		}
		observability.IncReconcile("duplicate")
		return *msg, false
	}

	if p.ClientMessageID != "" {
		if msg, ok := tl.byClientID[p.ClientMessageID]; ok {
			s.confirm(tl, msg, p)
			observability.IncReconcile("matched_client_id")
			return *msg, false
		}
	}

	if p.Sender.ID == s.selfID {
		for _, e := range tl.entries {
			msg := e.Message
			if msg == nil || msg.Status != models.StatusSending || msg.ID != "" {
				continue
			}
			if msg.Content == p.Content {
				s.confirm(tl, msg, p)
				observability.IncReconcile("matched_content")
				return *msg, false
			}
		}
	}

	msg := &models.Message{
		ID:              p.ID,
		ClientMessageID: p.ClientMessageID,
		RoomID:          p.RoomID,
		Sender: models.Sender{
			ID:              p.Sender.ID,
			DisplayName:     p.Sender.DisplayName,
			ProfilePhotoURL: p.Sender.ProfilePhotoURL,
		},
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		Status:    models.StatusDelivered,
	}
	tl.entries = append(tl.entries, models.TimelineEntry{Message: msg})
	if msg.ID != "" {
		tl.byServerID[msg.ID] = msg
	}
	if msg.ClientMessageID != "" {
		tl.byClientID[msg.ClientMessageID] = msg
		s.clientRoom[msg.ClientMessageID] = p.RoomID
	}
	observability.IncReconcile("appended")
	return *msg, true
}

// confirm updates a matched optimistic record in place, preserving position.
func (s *Store) confirm(tl *timeline, msg *models.Message, p protocol.NewMessagePayload) {
	if msg.ID == "" && p.ID != "" {
		msg.ID = p.ID
		tl.byServerID[p.ID] = msg
	}
	if msg.Status.Before(models.StatusDelivered) || msg.Status == models.StatusFailed {
		msg.Status = models.StatusDelivered
	}
	if !p.CreatedAt.IsZero() {
		msg.CreatedAt = p.CreatedAt
	}
}

// ApplyAck applies a message_ack frame. Acks and new_message frames may
// arrive in either order; the store keeps the latest known status, except
// that a failed message is not revived by a late sent/delivered ack unless
// the ack carries the server message id.
func (s *Store) ApplyAck(p protocol.MessageAckPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.clientRoom[p.ClientMessageID]
	if !ok {
		return false
	}
	tl := s.room(roomID)
	msg, ok := tl.byClientID[p.ClientMessageID]
	if !ok {
		return false
	}

	status := models.MessageStatus(p.Status)
	switch status {
	case models.StatusFailed:
		msg.Status = models.StatusFailed
	case models.StatusSent, models.StatusDelivered, models.StatusRead:
		if msg.Status == models.StatusFailed && p.MessageID == "" {
			return false
		}
		if msg.Status == models.StatusFailed || msg.Status.Before(status) {
			msg.Status = status
		}
	default:
		return false
	}

	if p.MessageID != "" && msg.ID == "" {
		msg.ID = p.MessageID
		tl.byServerID[p.MessageID] = msg
	}
	return true
}

// MarkFailed transitions an optimistic message to failed (send rejected or
// timed out). Messages already confirmed are left alone.
func (s *Store) MarkFailed(roomID, clientMessageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	msg, ok := tl.byClientID[clientMessageID]
	if !ok || msg.Status != models.StatusSending {
		return false
	}
	msg.Status = models.StatusFailed
	return true
}

// PrepareRetry flips a failed message back to sending and returns it so the
// caller can resend the original content under the same clientMessageId.
func (s *Store) PrepareRetry(roomID, clientMessageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	msg, ok := tl.byClientID[clientMessageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if msg.Status != models.StatusFailed {
		return models.Message{}, ErrMessageNotFound
	}
	msg.Status = models.StatusSending
	return *msg, nil
}

// ApplyReaction replaces the aggregated reactions on a confirmed message.
func (s *Store) ApplyReaction(roomID, messageID string, reactions []models.Reaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	msg, ok := tl.byServerID[messageID]
	if !ok {
		return false
	}
	msg.Reactions = reactions
	return true
}

// AppendNotice adds a synthesized system entry to the timeline.
func (s *Store) AppendNotice(notice models.SystemNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := notice
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	tl := s.room(notice.RoomID)
	tl.entries = append(tl.entries, models.TimelineEntry{Notice: &n})
}

// Timeline returns a snapshot of the room timeline in insertion order.
func (s *Store) Timeline(roomID string) []models.TimelineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	out := make([]models.TimelineEntry, 0, len(tl.entries))
	for _, e := range tl.entries {
		if e.Message != nil {
			m := *e.Message
			out = append(out, models.TimelineEntry{Message: &m})
		} else if e.Notice != nil {
			n := *e.Notice
			out = append(out, models.TimelineEntry{Notice: &n})
		}
	}
	return out
}

// EligibleForRead lists confirmed messages from other users that are not yet
// read. Optimistic sends and system entries are never eligible.
func (s *Store) EligibleForRead(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	var ids []string
	for _, e := range tl.entries {
		msg := e.Message
		if msg == nil || msg.ID == "" {
			continue
		}
		if msg.Sender.ID == s.selfID {
			continue
		}
		if msg.Status == models.StatusRead || msg.Status == models.StatusSending || msg.Status == models.StatusFailed {
			continue
		}
		ids = append(ids, msg.ID)
	}
	return ids
}

// MarkRead transitions the given inbound messages to read.
func (s *Store) MarkRead(roomID string, messageIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	for _, id := range messageIDs {
		if msg, ok := tl.byServerID[id]; ok && msg.Status != models.StatusFailed {
			msg.Status = models.StatusRead
		}
	}
}

// ApplyReadReceipt marks the local user's own messages read after another
// participant reported reading them.
func (s *Store) ApplyReadReceipt(roomID string, messageIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	for _, id := range messageIDs {
		msg, ok := tl.byServerID[id]
		if !ok || msg.Sender.ID != s.selfID {
			continue
		}
		if msg.Status.Before(models.StatusRead) {
			msg.Status = models.StatusRead
		}
	}
}

// UnreadCount counts confirmed messages from other users not yet read.
func (s *Store) UnreadCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.room(roomID)
	count := 0
	for _, e := range tl.entries {
		msg := e.Message
		if msg == nil || msg.ID == "" || msg.Sender.ID == s.selfID {
			continue
		}
		if msg.Status == models.StatusDelivered || msg.Status == models.StatusSent {
			count++
		}
	}
	return count
}

// DropRoom discards a room's local history. Called on room exit.
func (s *Store) DropRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for clientID := range tl.byClientID {
		delete(s.clientRoom, clientID)
	}
	delete(s.rooms, roomID)
}
