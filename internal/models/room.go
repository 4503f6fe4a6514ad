package models

// Room is the sync-relevant subset of a chat room. It is mutated only by
// presence and close events or an explicit refresh, never optimistically
// except the participant count on a local join or leave.
type Room struct {
	ID               string `json:"id"`
	ParticipantCount int    `json:"participant_count"`
	IsClosed         bool   `json:"is_closed"`
	CreatorID        string `json:"creator_id"`
}

// Participant is one live member of a room.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
