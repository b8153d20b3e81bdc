// Package eventbus provides per-session fan-out of streaming events to
// live subscribers.
//
// Events are delivered to every subscriber in publish order. Each
// subscriber owns a bounded buffer; a subscriber that falls behind until
// its buffer is full is dropped (its channel closed) rather than ever
// blocking the producer or its peers. Late subscribers receive no replay;
// history is fetched from the conversation store instead.
package eventbus

import "sync"

// Event types carried on the bus.
const (
	TypeMessageNew  = "message.new"
	TypeAgentStart  = "agent.start"
	TypeAgentChunk  = "agent.chunk"
	TypeAgentEnd    = "agent.end"
	TypeAgentError  = "agent.error"
	TypeSystemError = "system.error"
)

// Event is one JSON-framed streaming event.
type Event struct {
	Type string `json:"type"`

	// MessageID identifies the in-flight reply the event belongs to. For
	// message.new it is the persisted user message id.
	MessageID string `json:"message_id,omitempty"`

	// Sender is the authoring handle (user or persona).
	Sender string `json:"sender,omitempty"`

	// Content carries chunk text, or the full assembled text on
	// agent.end and message.new.
	Content string `json:"content,omitempty"`

	// PersistedMessageID is set on agent.end when the reply was
	// committed to the message log.
	PersistedMessageID string `json:"persisted_message_id,omitempty"`

	// Reason describes agent.error and system.error events.
	Reason string `json:"reason,omitempty"`
}

// DefaultBuffer is the per-subscriber buffer size when none is given.
const DefaultBuffer = 64

// Bus is a per-session publish/subscribe channel. Safe for concurrent
// use.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// New creates a Bus whose subscribers each buffer up to buffer events.
// buffer <= 0 selects DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is one subscriber's handle on the bus.
type Subscription struct {
	// C delivers events in publish order. It is closed when the
	// subscriber cancels, is dropped for falling behind, or the bus
	// closes.
	C <-chan Event

	bus *Bus
	ch  chan Event
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.bus.drop(s)
}

// Subscribe attaches a new subscriber. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every live subscriber without blocking. A
// subscriber whose buffer is full is dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// full buffer: the subscriber is too slow to keep
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers and rejects future publishes. Safe to call
// more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}
