package models

import "time"

// MessageStatus tracks a message through the optimistic-send lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Before reports whether s is an earlier lifecycle stage than other.
// StatusFailed sits outside the ordering and always reports false.
func (s MessageStatus) Before(other MessageStatus) bool {
	if s == StatusFailed || other == StatusFailed {
		return false
	}
	return s.rank() < other.rank()
}

// Sender identifies the author of a message.
type Sender struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	ProfilePhotoURL string `json:"profile_photo_url,omitempty"`
}

// Reaction aggregates one emoji on a message.
type Reaction struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	UserReacted bool   `json:"user_reacted"`
}

// Message is one record in a room timeline. ID is server-assigned and stays
// empty until the message is acknowledged; ClientMessageID is generated
// locally and is stable across the optimistic-to-confirmed transition.
type Message struct {
	ID              string        `json:"id,omitempty"`
	ClientMessageID string        `json:"client_message_id"`
	RoomID          string        `json:"room_id"`
	Sender          Sender        `json:"sender"`
	Content         string        `json:"content"`
	CreatedAt       time.Time     `json:"created_at"`
	Status          MessageStatus `json:"status"`
	Reactions       []Reaction    `json:"reactions,omitempty"`
}
