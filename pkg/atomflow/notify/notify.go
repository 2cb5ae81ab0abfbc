// Package notify provides synchronous fan-out of run state transitions.
//
// The engine publishes a Transition every time an atom or flow changes
// state. Subscribers receive transitions on the engine's coordination
// goroutine, so handlers must be fast and must not block; anything heavy
// should be handed off to another goroutine by the subscriber.
package notify

import (
	"sync"
	"time"
)

// Transition describes one state change within a run.
// Atom is empty for flow-level transitions.
type Transition struct {
	RunID string
	Flow  string
	Atom  string
	From  string
	To    string
	At    time.Time
}

// Handler receives transitions. Handlers are invoked synchronously.
type Handler func(tr Transition)

// Notifier fans transitions out to registered handlers.
// The zero value is not usable; call New.
type Notifier struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]entry
}

type entry struct {
	atom    string // empty = all atoms
	handler Handler
}

// New creates an empty notifier.
func New() *Notifier {
	return &Notifier{
		handlers: make(map[int]entry),
	}
}

// Subscribe registers a handler for all transitions.
// The returned function removes the subscription and is safe to call
// more than once.
func (n *Notifier) Subscribe(h Handler) (cancel func()) {
	return n.subscribe("", h)
}

// SubscribeAtom registers a handler for transitions of a single atom.
func (n *Notifier) SubscribeAtom(atom string, h Handler) (cancel func()) {
	return n.subscribe(atom, h)
}

func (n *Notifier) subscribe(atom string, h Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = entry{atom: atom, handler: h}
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers, id)
			n.mu.Unlock()
		})
	}
}

// Publish delivers a transition to every matching handler.
func (n *Notifier) Publish(tr Transition) {
	n.mu.RLock()
	// Snapshot so a handler may subscribe or cancel without deadlocking.
	matched := make([]Handler, 0, len(n.handlers))
	for _, e := range n.handlers {
		if e.atom == "" || e.atom == tr.Atom {
			matched = append(matched, e.handler)
		}
	}
	n.mu.RUnlock()

	for _, h := range matched {
		h(tr)
	}
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers)
}
