// Package protocol defines the broker wire contract: event names and frame
// payload shapes. Names are case-sensitive snake_case and must match the peer
// exactly.
package protocol

// Outbound event names.
const (
	EventAuth            = "auth"
	EventSubscribeRoom   = "subscribe_room"
	EventUnsubscribeRoom = "unsubscribe_room"
	EventSendMessage     = "send_message"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventMarkRead        = "mark_read"
	EventSendReaction    = "send_reaction"
	EventPing            = "ping"
)

// Inbound event names.
const (
	EventAuthRequired     = "auth_required"
	EventAuthSuccess      = "auth_success"
	EventAuthError        = "auth_error"
	EventSubscribed       = "subscribed"
	EventUnsubscribed     = "unsubscribed"
	EventNewMessage       = "new_message"
	EventMessageAck       = "message_ack"
	EventMessagesRead     = "messages_read"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventTyping           = "typing"
	EventUserKicked       = "user_kicked"
	EventUserBanned       = "user_banned"
	EventRoomClosed       = "room_closed"
	EventParticipantCount = "participant_count_updated"
	EventMessageReaction  = "message_reaction"
	EventError            = "error"
	EventPong             = "pong"
)
