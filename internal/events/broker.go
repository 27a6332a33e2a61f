package events

import (
	"context"
	"sync"
)

// subscriberBuffer bounds each listener's backlog. Delivery is best-effort:
// a listener that falls behind loses events rather than stalling publishers.
const subscriberBuffer = 16

// Broker fans execution events out to in-process listeners, primarily the
// websocket event stream. It also implements EventHandler, so events arriving
// over Redis can be re-broadcast to local listeners directly.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ExecutionEvent
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan ExecutionEvent)}
}

// Subscribe registers a listener. The returned cancel function releases the
// subscription and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe() (<-chan ExecutionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan ExecutionEvent, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every listener without blocking.
func (b *Broker) Publish(event ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// HandleExecutionEvent implements EventHandler.
func (b *Broker) HandleExecutionEvent(_ context.Context, event ExecutionEvent) error {
	b.Publish(event)
	return nil
}
