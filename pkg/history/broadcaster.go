package history

import "sync"

// EventType distinguishes broadcast payloads.
type EventType string

const (
	EventMessage EventType = "message"
	EventUpdate  EventType = "update"
	EventReset   EventType = "reset"
)

// Event is pushed to every subscriber when the history changes.
type Event struct {
	Type    EventType `json:"type"`
	Payload *Message  `json:"payload,omitempty"`
}

// Broadcaster fans history changes out to streaming listeners.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[chan Event]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. The returned channel is buffered;
// events are dropped for listeners that fall too far behind rather than
// blocking the publisher.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.listeners[ch]; ok {
		delete(b.listeners, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers evt to every listener.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishMessage announces a newly appended message.
func (b *Broadcaster) PublishMessage(m Message) {
	b.Publish(Event{Type: EventMessage, Payload: &m})
}

// PublishUpdate announces an in-place content update.
func (b *Broadcaster) PublishUpdate(m Message) {
	b.Publish(Event{Type: EventUpdate, Payload: &m})
}

// PublishReset announces that the history was cleared.
func (b *Broadcaster) PublishReset() {
	b.Publish(Event{Type: EventReset})
}
