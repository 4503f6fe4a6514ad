// Package dispatcher is the typed publish/subscribe bus that fans inbound
// transport frames out to the engine components.
package dispatcher

import (
	"encoding/json"
	"sync"
)

// Handler consumes the raw payload of one dispatched frame.
type Handler func(payload json.RawMessage)

type registration struct {
	event string
	fn    Handler
}

// Dispatcher delivers every emitted event exactly once to all current
// subscribers, synchronously and in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*registration
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]*registration)}
}

// On registers a handler and returns its disposer. Calling the disposer more
// than once is harmless.
func (d *Dispatcher) On(event string, fn Handler) func() {
	reg := &registration{event: event, fn: fn}

	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], reg)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(reg) })
	}
}

// Emit dispatches an event to all subscribers in registration order. Frames
// arrive from a single reader goroutine, so handlers run to completion before
// the next frame is processed.
func (d *Dispatcher) Emit(event string, payload json.RawMessage) {
	d.mu.RLock()
	regs := make([]*registration, len(d.handlers[event]))
	copy(regs, d.handlers[event])
	d.mu.RUnlock()

	for _, reg := range regs {
		reg.fn(payload)
	}
}

func (d *Dispatcher) remove(reg *registration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[reg.event]
	for i, r := range regs {
		if r == reg {
			d.handlers[reg.event] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(d.handlers[reg.event]) == 0 {
		delete(d.handlers, reg.event)
	}
}
