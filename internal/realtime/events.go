package realtime

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// EventKind names one of the Conn's listener topics.
type EventKind string

const (
	EventConnection     EventKind = "connection"
	EventData           EventKind = "data"
	EventSubscription   EventKind = "subscription"
	EventUnsubscription EventKind = "unsubscription"
	EventError          EventKind = "error"
)

// Listener is the handle returned by the On* methods. Pass it to Off to
// remove exactly that registration.
type Listener struct {
	Kind EventKind
	ID   uuid.UUID
}

// topic is a typed multi-listener registry for one event kind.
type topic[T any] struct {
	kind   EventKind
	logger *slog.Logger

	mu       sync.RWMutex
	order    []uuid.UUID
	handlers map[uuid.UUID]func(T)
}

func newTopic[T any](kind EventKind, logger *slog.Logger) *topic[T] {
	return &topic[T]{
		kind:     kind,
		logger:   logger,
		handlers: make(map[uuid.UUID]func(T)),
	}
}

func (t *topic[T]) add(fn func(T)) Listener {
	id := uuid.New()

	t.mu.Lock()
	t.handlers[id] = fn
	t.order = append(t.order, id)
	t.mu.Unlock()

	return Listener{Kind: t.kind, ID: id}
}

func (t *topic[T]) remove(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[id]; !ok {
		return false
	}
	delete(t.handlers, id)
	t.order = slices.DeleteFunc(t.order, func(v uuid.UUID) bool { return v == id })
	return true
}

func (t *topic[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// emit calls every handler in registration order on the calling goroutine.
// Handlers added or removed during emit take effect on the next emit.
func (t *topic[T]) emit(v T) {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.order))
	for _, id := range t.order {
		fns = append(fns, t.handlers[id])
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		t.call(fn, v)
	}
}

func (t *topic[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event handler panicked", "event", t.kind, "panic", r)
		}
	}()
	fn(v)
}

// eventBus groups the Conn's topics.
type eventBus struct {
	connection     *topic[ConnectionEvent]
	data           *topic[Message]
	subscription   *topic[Message]
	unsubscription *topic[Message]
	errors         *topic[Message]
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		connection:     newTopic[ConnectionEvent](EventConnection, logger),
		data:           newTopic[Message](EventData, logger),
		subscription:   newTopic[Message](EventSubscription, logger),
		unsubscription: newTopic[Message](EventUnsubscription, logger),
		errors:         newTopic[Message](EventError, logger),
	}
}

func (b *eventBus) remove(l Listener) bool {
	switch l.Kind {
	case EventConnection:
		return b.connection.remove(l.ID)
	case EventData:
		return b.data.remove(l.ID)
	case EventSubscription:
		return b.subscription.remove(l.ID)
	case EventUnsubscription:
		return b.unsubscription.remove(l.ID)
	case EventError:
		return b.errors.remove(l.ID)
	}
	return false
}
