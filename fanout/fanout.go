// Package fanout delivers consumed events to live in-process subscribers.
//
// Unlike the broker path, fan-out is best-effort and non-durable: every
// registered subscriber gets a copy of each matching event, a slow subscriber
// loses its oldest undelivered events rather than blocking publishers, and
// in-flight events are lost on process restart.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Event is the structure delivered to a live subscriber.
type Event struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broker is a broadcast registry: one channel per active subscriber, with
// publish copying the event into every registered subscriber's channel.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
	clock  xclock.Clock
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{} // nil means all event types
}

// Option configures a Broker.
type Option func(*Broker)

// WithBuffer overrides the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// NewBroker creates an empty broadcast registry.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subs:   make(map[uint64]*subscriber),
		buffer: DefaultBuffer,
		clock:  xclock.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

// Publish enqueues a copy of the event to every subscriber whose filter
// matches. It never blocks: when a subscriber's buffer is full, that
// subscriber's oldest undelivered event is dropped to make room.
func (b *Broker) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.clock.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.matches(e.EventType) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Full buffer: shed the oldest undelivered event for this
			// subscriber, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel.
// An empty eventTypes list subscribes to all types. The channel is closed
// and the registration removed when ctx is cancelled; other subscribers and
// publishers are unaffected.
func (b *Broker) Subscribe(ctx context.Context, eventTypes ...string) <-chan Event {
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// SubscriberCount reports the number of active registrations.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *subscriber) matches(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}
