package bus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives a dispatched event
type Handler func(Event)

// Bus is a synchronous observer registry. Publish dispatches on the
// caller's goroutine, in subscription order: the session setup steps
// rely on strictly sequential handler execution, so there is no
// internal fan-out concurrency.
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
}

// New creates an empty bus
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for an event type. Handlers cannot be
// removed; subscribers live as long as the bus.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish dispatches the event to every subscriber in order. A
// panicking handler is contained and surfaced as an Error event so one
// misbehaving subscriber cannot take down the dispatch chain.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.handlers[event.Type()]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(event, h)
	}
}

func (b *Bus) dispatch(event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type())).
				Interface("panic", r).
				Msg("Event handler panicked")

			// Re-publishing an Error for a panicking Error handler
			// would loop forever
			if event.Type() != TypeError {
				b.Publish(Error{
					Message: fmt.Sprintf("handler for %s panicked", event.Type()),
					Details: fmt.Sprint(r),
				})
			}
		}
	}()
	h(event)
}
