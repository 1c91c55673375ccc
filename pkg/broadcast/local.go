package broadcast

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Local is the in-process Broadcaster. It is always safe to use and is the
// fallback when no cross-context transport exists in the runtime.
type Local struct {
	origin string

	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
}

var _ Broadcaster = (*Local)(nil)

// NewLocal creates an in-process broadcaster with a fresh origin ID.
func NewLocal() *Local {
	return &Local{
		origin:   ulid.Make().String(),
		handlers: make(map[int]Handler),
	}
}

// Origin returns this context's origin ID.
func (l *Local) Origin() string { return l.origin }

func (l *Local) Publish(msg Message) {
	l.stamp(&msg)
	l.dispatch(msg)
}

// stamp fills Origin and At for messages published by this context.
func (l *Local) stamp(msg *Message) {
	if msg.Origin == "" {
		msg.Origin = l.origin
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
}

// dispatch delivers to the current subscribers. The handler list is copied
// under the lock so a handler may subscribe, unsubscribe or publish without
// deadlocking.
func (l *Local) dispatch(msg Message) {
	l.mu.Lock()
	handlers := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (l *Local) Subscribe(h Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.handlers[id] = h

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, id)
	}
}

func (l *Local) Close() error { return nil }
