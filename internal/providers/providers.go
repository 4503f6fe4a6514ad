// Package providers holds the REST collaborator clients the engine consumes:
// room details/participants and the blocked-users service.
package providers

import (
	"context"
	"errors"

	"roomsync/internal/models"
)

var (
	// ErrConflict maps HTTP 409 responses; callers treat it as an
	// idempotent success.
	ErrConflict = errors.New("conflict: already applied")
	// ErrAccessDenied maps 401/403 responses; fatal for the current room
	// context.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound maps 404 responses.
	ErrNotFound = errors.New("not found")
)

// RoomProvider exposes authoritative room state.
type RoomProvider interface {
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	GetParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
	CloseRoom(ctx context.Context, roomID string) error
}

// BlockedUsersProvider exposes the local user's blocked set.
type BlockedUsersProvider interface {
	GetBlockedUsers(ctx context.Context) ([]string, error)
	BlockUser(ctx context.Context, userID string) error
}

// ReportClient submits moderation reports.
type ReportClient interface {
	SubmitMessageReport(ctx context.Context, roomID, messageID, reason string) error
	SubmitRoomReport(ctx context.Context, roomID, reason string) error
}
