package moderation

import (
	"context"
	"sync"

	"roomsync/internal/providers"
)

// BlockedSet is the session-wide set of users the local user has blocked.
// It is loaded once, only grows within a session (there is no unblock path),
// and reports whether loading has finished so consumers can avoid acting on
// a still-empty set.
type BlockedSet struct {
	provider providers.BlockedUsersProvider

	mu     sync.Mutex
	ids    map[string]struct{}
	loaded bool
}

// NewBlockedSet creates an unloaded set.
func NewBlockedSet(provider providers.BlockedUsersProvider) *BlockedSet {
	return &BlockedSet{provider: provider, ids: make(map[string]struct{})}
}

// Load fetches the blocked ids once; later calls are no-ops.
func (b *BlockedSet) Load(ctx context.Context) error {
	b.mu.Lock()
	if b.loaded {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	ids, err := b.provider.GetBlockedUsers(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
	b.loaded = true
	b.mu.Unlock()
	return nil
}

// Loaded reports whether the initial fetch completed.
func (b *BlockedSet) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// Contains reports whether the user is blocked.
func (b *BlockedSet) Contains(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ids[userID]
	return ok
}

// Add records a newly blocked user.
func (b *BlockedSet) Add(userID string) {
	b.mu.Lock()
	b.ids[userID] = struct{}{}
	b.mu.Unlock()
}

// IDs returns a snapshot of the blocked ids.
func (b *BlockedSet) IDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	return ids
}
