package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single message delivered to subscribed handlers.
type Event struct {
	Name    string
	Payload any
	Time    time.Time
}

// Handler processes one dispatched event.
type Handler func(Event)

// ErrStopped is returned by operations on a stopped bus.
var ErrStopped = fmt.Errorf("bus: stopped")

// Bus is a named, single-worker event bus. Handlers for one bus run
// sequentially in dispatch order on the bus's own goroutine.
type Bus struct {
	name string

	mu       sync.RWMutex
	handlers map[string][]Handler
	stopped  bool

	queue   chan Event
	pending atomic.Int64
	discard atomic.Bool
	done    chan struct{}
}

const defaultQueueSize = 256

// New creates a bus with the given name. The name must be a valid bare
// identifier; pass an empty string for an anonymous bus, which receives a
// generated name. Callers that cannot guarantee valid input should go
// through a sanitizing Factory instead.
func New(name string) (*Bus, error) {
	if name == "" {
		name = FallbackIdentifier()
	} else if !IsValidIdentifier(name) {
		return nil, fmt.Errorf("bus: invalid identifier %q", name)
	}

	b := &Bus{
		name:     name,
		handlers: make(map[string][]Handler),
		queue:    make(chan Event, defaultQueueSize),
		done:     make(chan struct{}),
	}
	go b.deliverLoop()
	return b, nil
}

// Name returns the identifier the bus was created with.
func (b *Bus) Name() string {
	return b.name
}

func (b *Bus) deliverLoop() {
	for evt := range b.queue {
		if b.discard.Load() {
			b.pending.Add(-1)
			continue
		}
		b.mu.RLock()
		handlers := b.handlers[evt.Name]
		b.mu.RUnlock()
		for _, h := range handlers {
			h(evt)
		}
		b.pending.Add(-1)
	}
	close(b.done)
}

// Subscribe registers a handler for the named event. Registering the same
// handler twice on one event is allowed; handlers run in registration
// order.
func (b *Bus) Subscribe(event string, h Handler) error {
	if h == nil {
		return fmt.Errorf("bus %s: nil handler for %q", b.name, event)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return fmt.Errorf("bus %s: %w", b.name, ErrStopped)
	}
	b.handlers[event] = append(b.handlers[event], h)
	return nil
}

// Dispatch enqueues an event for delivery. It fails when the bus is
// stopped or the queue is saturated.
func (b *Bus) Dispatch(evt Event) error {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	// The lock is held across the enqueue: Stop closes the queue only
	// after taking the write lock, so no send can hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return fmt.Errorf("bus %s: %w", b.name, ErrStopped)
	}

	b.pending.Add(1)
	select {
	case b.queue <- evt:
		return nil
	default:
		b.pending.Add(-1)
		return fmt.Errorf("bus %s: queue full, dropping %q", b.name, evt.Name)
	}
}

// Pending returns the number of events that are queued or currently being
// handled.
func (b *Bus) Pending() int {
	return int(b.pending.Load())
}

// Drain waits until every queued event has been handled. It returns false
// when pending events remain after the timeout.
func (b *Bus) Drain(timeout time.Duration) (bool, error) {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return false, fmt.Errorf("bus %s: %w", b.name, ErrStopped)
	}

	deadline := time.Now().Add(timeout)
	for {
		if b.pending.Load() == 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Stop shuts the bus down. When clear is false it first drains pending
// events for up to timeout; when clear is true queued events are discarded
// without running their handlers. Stop is idempotent.
func (b *Bus) Stop(clear bool, timeout time.Duration) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	if clear {
		b.discard.Store(true)
	} else {
		deadline := time.Now().Add(timeout)
		for b.pending.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}

	close(b.queue)
	select {
	case <-b.done:
	case <-time.After(timeout):
		return fmt.Errorf("bus %s: delivery loop did not stop within %s", b.name, timeout)
	}
	return nil
}

// Stopped reports whether the bus has been shut down.
func (b *Bus) Stopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}
