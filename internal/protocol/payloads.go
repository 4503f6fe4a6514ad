package protocol

import "time"

// WireSender is the sender block of a new_message frame.
type WireSender struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	ProfilePhotoURL string `json:"profilePhotoUrl,omitempty"`
}

// WireUser is the user block of membership frames.
type WireUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// WireReaction is one aggregated reaction on the wire.
type WireReaction struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	UserReacted bool   `json:"userReacted"`
}

// Inbound payloads.

type NewMessagePayload struct {
	ID              string     `json:"id"`
	RoomID          string     `json:"roomId"`
	Content         string     `json:"content"`
	CreatedAt       time.Time  `json:"createdAt"`
	Sender          WireSender `json:"sender"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
}

type MessageAckPayload struct {
	ClientMessageID string `json:"clientMessageId"`
	MessageID       string `json:"messageId"`
	Status          string `json:"status"`
}

type MessagesReadPayload struct {
	RoomID     string   `json:"roomId"`
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
}

type UserJoinedPayload struct {
	RoomID           string   `json:"roomId"`
	User             WireUser `json:"user"`
	ParticipantCount int      `json:"participantCount"`
}

type UserLeftPayload struct {
	RoomID           string   `json:"roomId"`
	User             WireUser `json:"user"`
	ParticipantCount int      `json:"participantCount"`
}

type TypingPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

type UserKickedPayload struct {
	RoomID       string `json:"roomId"`
	KickedUserID string `json:"kickedUserId"`
	DisplayName  string `json:"displayName"`
}

type UserBannedPayload struct {
	RoomID       string `json:"roomId"`
	BannedUserID string `json:"bannedUserId"`
	DisplayName  string `json:"displayName"`
	Reason       string `json:"reason,omitempty"`
}

type RoomClosedPayload struct {
	RoomID string `json:"roomId"`
}

type ParticipantCountPayload struct {
	RoomID           string `json:"roomId"`
	ParticipantCount int    `json:"participantCount"`
}

type MessageReactionPayload struct {
	RoomID    string         `json:"roomId"`
	MessageID string         `json:"messageId"`
	Reactions []WireReaction `json:"reactions"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Outbound payloads.

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomRefPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	RoomID          string `json:"roomId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

type MarkReadPayload struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type SendReactionPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}
