package generation

import (
	"context"
	"io"
	"sync"
)

// EventKind identifies a per-handle event.
type EventKind int

const (
	EventToken EventKind = iota
	EventCompleted
	EventError
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	case EventCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether k ends a handle's stream.
func (k EventKind) Terminal() bool { return k != EventToken }

// Event is one notification from a handle. Text carries the fragment for
// token events, the full text for completed events and the message for error
// events; it is empty for cancelled.
type Event struct {
	Kind     EventKind
	HandleID string
	Text     string
	// Tokens is the handle's token count when the event was emitted.
	Tokens int
}

// Emitter accepts events from the worker. Emit must not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// fanout delivers to each emitter in order.
type fanout []Emitter

func (f fanout) Emit(e Event) {
	for _, em := range f {
		em.Emit(e)
	}
}

// Mailbox is an unbounded FIFO of events drained by the consumer on its own
// goroutine. Emit never blocks the worker.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Emit enqueues e. Events after a terminal event are dropped.
func (m *Mailbox) Emit(e Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	if e.Kind.Terminal() {
		m.closed = true
	}
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Drain delivers every queued event to fn in order and returns how many were
// delivered. fn runs without the mailbox lock held.
func (m *Mailbox) Drain(fn func(Event)) int {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, e := range batch {
		fn(e)
	}
	return len(batch)
}

// Next blocks until an event is available and returns it. After the terminal
// event has been returned, Next returns io.EOF.
func (m *Mailbox) Next(ctx context.Context) (Event, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue[0] = Event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return e, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Event{}, io.EOF
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
