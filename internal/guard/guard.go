// Package guard surfaces a one-time warning when a room the user enters
// contains someone they have blocked.
package guard

import "sync"

// BlockedUserGuard cross-references a room's live participants against the
// locally known blocked set.
type BlockedUserGuard struct {
	mu     sync.Mutex
	warned map[string]bool
}

// New creates a guard.
func New() *BlockedUserGuard {
	return &BlockedUserGuard{warned: make(map[string]bool)}
}

// CheckRoom reports whether the blocked-participant warning should be shown.
// It fires at most once per room-entry session, and never before the blocked
// set has finished loading — an empty set mid-load must not read as "nobody
// blocked".
func (g *BlockedUserGuard) CheckRoom(roomID string, participantIDs, blockedIDs []string, blockedLoaded bool) bool {
	if !blockedLoaded {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.warned[roomID] {
		return false
	}

	blocked := make(map[string]struct{}, len(blockedIDs))
	for _, id := range blockedIDs {
		blocked[id] = struct{}{}
	}
	for _, id := range participantIDs {
		if _, ok := blocked[id]; ok {
			g.warned[roomID] = true
			return true
		}
	}
	return false
}

// Reset clears the has-warned flag for a room, called when the user leaves
// so a later re-entry counts as a new session.
func (g *BlockedUserGuard) Reset(roomID string) {
	g.mu.Lock()
	delete(g.warned, roomID)
	g.mu.Unlock()
}
