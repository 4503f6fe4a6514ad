package dispatcher

import "sync"

// Scope tracks every subscription created through it so a room session can
// dispose them as a batch when the room is left or torn down.
type Scope struct {
	d         *Dispatcher
	mu        sync.Mutex
	disposers []func()
	closed    bool
}

// NewScope creates a subscription scope bound to the dispatcher.
func (d *Dispatcher) NewScope() *Scope {
	return &Scope{d: d}
}

// On registers a handler whose lifetime is bound to the scope. Registrations
// on a closed scope are dropped.
func (s *Scope) On(event string, fn Handler) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	dispose := s.d.On(event, fn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		dispose()
		return
	}
	s.disposers = append(s.disposers, dispose)
	s.mu.Unlock()
}

// Close removes every subscription registered through the scope. After Close
// no handler registered here will fire again.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
}
