// Package moderation submits message/room reports and block requests,
// normalizing idempotent-conflict responses into success.
package moderation

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"

	"roomsync/internal/providers"
)

// Bridge wraps the report endpoint and the blocked-users provider. Every
// operation treats a server-side "already reported" / "already blocked"
// conflict as success and merges local state instead of surfacing an error.
// In-flight and confirmed operations are never resubmitted.
type Bridge struct {
	reports providers.ReportClient
	blocked *BlockedSet

	mu        sync.Mutex
	inFlight  map[string]struct{}
	confirmed map[string]struct{}
}

// NewBridge builds a bridge over the report client and blocked set.
func NewBridge(reports providers.ReportClient, blocked *BlockedSet) *Bridge {
	return &Bridge{
		reports:   reports,
		blocked:   blocked,
		inFlight:  make(map[string]struct{}),
		confirmed: make(map[string]struct{}),
	}
}

// ReportMessage reports one message.
func (b *Bridge) ReportMessage(ctx context.Context, roomID, messageID, reason string) error {
	return b.run(ctx, "message:"+messageID, func(ctx context.Context) error {
		return b.reports.SubmitMessageReport(ctx, roomID, messageID, reason)
	}, nil)
}

// ReportRoom reports a room. Whether the caller then leaves the room is a
// separate user intent; the bridge only reports.
func (b *Bridge) ReportRoom(ctx context.Context, roomID, reason string) error {
	return b.run(ctx, "room:"+roomID, func(ctx context.Context) error {
		return b.reports.SubmitRoomReport(ctx, roomID, reason)
	}, nil)
}

// BlockUser blocks a user and records them in the session blocked set.
func (b *Bridge) BlockUser(ctx context.Context, userID string) error {
	return b.run(ctx, "block:"+userID, func(ctx context.Context) error {
		return b.blocked.provider.BlockUser(ctx, userID)
	}, func() {
		b.blocked.Add(userID)
	})
}

// run executes one idempotent moderation call. onSuccess also fires on a
// conflict, since the server already holds the desired state.
func (b *Bridge) run(ctx context.Context, key string, call func(context.Context) error, onSuccess func()) error {
	b.mu.Lock()
	if _, done := b.confirmed[key]; done {
		b.mu.Unlock()
		return nil
	}
	if _, pending := b.inFlight[key]; pending {
		b.mu.Unlock()
		return nil
	}
	b.inFlight[key] = struct{}{}
	b.mu.Unlock()

	ctx, span := otel.Tracer("roomsync/moderation").Start(ctx, "moderation."+key)
	defer span.End()

	err := call(ctx)

	b.mu.Lock()
	delete(b.inFlight, key)
	if err == nil || errors.Is(err, providers.ErrConflict) {
		b.confirmed[key] = struct{}{}
	}
	b.mu.Unlock()

	if err != nil && !errors.Is(err, providers.ErrConflict) {
		return err
	}
	if onSuccess != nil {
		onSuccess()
	}
	return nil
}
