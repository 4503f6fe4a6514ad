// Package receipts decides which inbound messages to mark read from
// viewport signals and batches the mark-read calls.
package receipts

import (
	"sync"
	"time"

	"roomsync/internal/observability"
)

// DefaultFlushDelay is the batching window for mark-read calls.
const DefaultFlushDelay = 300 * time.Millisecond

// Tracker batches read marks for one room. Eligibility is delegated to the
// store: only confirmed messages from other users qualify, never optimistic
// sends or system entries.
type Tracker struct {
	eligible   func() []string
	flush      func(ids []string)
	flushDelay time.Duration

	mu         sync.Mutex
	atBottom   bool
	pending    map[string]struct{}
	flushTimer *time.Timer
	closed     bool
}

// NewTracker builds a tracker. eligible lists the message ids currently
// qualifying for a read mark; flush performs the batched mark-read call.
func NewTracker(flushDelay time.Duration, eligible func() []string, flush func(ids []string)) *Tracker {
	if flushDelay == 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Tracker{
		eligible:   eligible,
		flush:      flush,
		flushDelay: flushDelay,
		pending:    make(map[string]struct{}),
	}
}

// OnViewportChange reports whether the viewport rests at the newest message.
// Transitioning to the bottom (including the initial load) queues everything
// currently eligible.
func (t *Tracker) OnViewportChange(atBottom bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	wasAtBottom := t.atBottom
	t.atBottom = atBottom
	t.mu.Unlock()

	if atBottom && !wasAtBottom {
		t.queue(t.eligible())
	}
}

// NotifyNewMessage reports a freshly appended inbound message; it is queued
// only while the viewport rests at the bottom.
func (t *Tracker) NotifyNewMessage() {
	t.mu.Lock()
	atBottom := t.atBottom && !t.closed
	t.mu.Unlock()

	if atBottom {
		t.queue(t.eligible())
	}
}

func (t *Tracker) queue(ids []string) {
	if len(ids) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, id := range ids {
		t.pending[id] = struct{}{}
	}
	if t.flushTimer == nil {
		t.flushTimer = time.AfterFunc(t.flushDelay, t.doFlush)
	}
}

func (t *Tracker) doFlush() {
	t.mu.Lock()
	if t.closed || len(t.pending) == 0 {
		t.flushTimer = nil
		t.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.pending = make(map[string]struct{})
	t.flushTimer = nil
	t.mu.Unlock()

	observability.AddReadMarks(len(ids))
	t.flush(ids)
}

// Close cancels any pending batch. Queued but unflushed marks are dropped;
// they will be re-collected on the next room entry.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	t.pending = make(map[string]struct{})
	t.mu.Unlock()
}
