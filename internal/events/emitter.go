package events

import (
	"errors"
	"log"
	"sync"
)

// Event types emitted over the assist stream, in causal order for a request.
const (
	TypePlan          = "plan"
	TypePhaseComplete = "phase:complete"
	TypeToolStart     = "tool:start"
	TypeToolComplete  = "tool:complete"
	TypeToolEnd       = "tool:end"
	TypePatch         = "patch"
	TypeFinal         = "final"
)

// Event is one named lifecycle event with a JSON-serializable payload.
type Event struct {
	Type string
	Data interface{}
}

// Sink delivers a single event to the caller (e.g. an SSE writer).
type Sink func(Event) error

// ErrClosed is returned by Emit once the emitter has transitioned to Closed.
var ErrClosed = errors.New("event emitter closed")

type emitterState int

const (
	stateOpen emitterState = iota
	stateClosed
)

// Emitter publishes lifecycle events for a single request over one long-lived
// connection. It owns an explicit Open/Closed state: every emit checks the
// state first, and every terminal path transitions to Closed exactly once.
// The final event is always the last one delivered.
type Emitter struct {
	mu     sync.Mutex
	state  emitterState
	sink   Sink
	logger *log.Logger
}

// NewEmitter creates an open emitter delivering events to sink.
func NewEmitter(sink Sink, logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &Emitter{sink: sink, logger: logger}
}

// Emit delivers one event. It returns ErrClosed after Close without invoking
// the sink. Sink errors are returned to the caller, which decides whether the
// failure matters; the emitter stays open.
func (e *Emitter) Emit(typ string, data interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateClosed {
		return ErrClosed
	}
	return e.sink(Event{Type: typ, Data: data})
}

// EmitFinal delivers the final event and transitions to Closed, in one step,
// so no event can slip in between.
func (e *Emitter) EmitFinal(data interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateClosed {
		return ErrClosed
	}
	err := e.sink(Event{Type: TypeFinal, Data: data})
	e.state = stateClosed
	return err
}

// Close transitions to Closed. Safe to call multiple times; only the first
// call has any effect.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateClosed
}

// Closed reports whether the emitter has been closed.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateClosed
}
