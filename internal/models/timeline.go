package models

import "time"

// NoticeKind names a synthesized membership notice.
type NoticeKind string

const (
	NoticeJoined NoticeKind = "joined"
	NoticeLeft   NoticeKind = "left"
	NoticeKicked NoticeKind = "kicked"
	NoticeBanned NoticeKind = "banned"
)

// SystemNotice is a non-message timeline entry synthesized locally from a
// membership event about another participant.
type SystemNotice struct {
	RoomID      string     `json:"room_id"`
	Kind        NoticeKind `json:"kind"`
	DisplayName string     `json:"display_name"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TimelineEntry is a tagged union over the two entry kinds; exactly one of
// Message and Notice is set.
type TimelineEntry struct {
	Message *Message      `json:"message,omitempty"`
	Notice  *SystemNotice `json:"notice,omitempty"`
}
