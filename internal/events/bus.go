package events

import (
	"sync"
)

// Handler receives events delivered to a SubscribeFunc subscription.
type Handler func(Event)

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions, SubscribeAll for cross-topic consumption,
// and handler subscriptions that never drop events.
type EventBus struct {
	mu       sync.RWMutex
	subs     map[string][]chan Event // topic -> subscriber channels
	allSubs  []chan Event            // channels subscribed to all topics
	handlers map[string][]*handlerSub
	closed   bool
}

// handlerSub delivers events to a Handler from its own goroutine, in publish order.
// The pending queue is unbounded so the publisher never blocks and nothing is dropped.
type handlerSub struct {
	fn      Handler
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	stopped bool
	done    chan struct{}
}

func newHandlerSub(fn Handler) *handlerSub {
	h := &handlerSub{fn: fn, done: make(chan struct{})}
	h.cond = sync.NewCond(&h.mu)
	go h.loop()
	return h
}

func (h *handlerSub) push(e Event) {
	h.mu.Lock()
	if !h.stopped {
		h.pending = append(h.pending, e)
		h.cond.Signal()
	}
	h.mu.Unlock()
}

// stop ends the subscription once queued events are delivered and waits for
// the last handler call to return. It must not be called from the handler.
func (h *handlerSub) stop() {
	h.mu.Lock()
	h.stopped = true
	h.cond.Signal()
	h.mu.Unlock()
	<-h.done
}

func (h *handlerSub) loop() {
	defer close(h.done)
	for {
		h.mu.Lock()
		for len(h.pending) == 0 && !h.stopped {
			h.cond.Wait()
		}
		if len(h.pending) == 0 && h.stopped {
			h.mu.Unlock()
			return
		}
		e := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		h.fn(e)
	}
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:     make(map[string][]chan Event),
		allSubs:  make([]chan Event, 0),
		handlers: make(map[string][]*handlerSub),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// SubscribeFunc registers fn for the given topics. Unlike channel subscriptions,
// handler subscriptions queue without bound and never drop events.
// The returned function unsubscribes and returns once events already queued
// have been delivered.
func (b *EventBus) SubscribeFunc(fn Handler, topics ...string) func() {
	h := newHandlerSub(fn)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		h.stop()
		return func() {}
	}
	for _, topic := range topics {
		b.handlers[topic] = append(b.handlers[topic], h)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for _, topic := range topics {
				b.handlers[topic] = removeHandler(b.handlers[topic], h)
			}
			b.mu.Unlock()
			h.stop()
		})
	}
}

func removeHandler(list []*handlerSub, h *handlerSub) []*handlerSub {
	out := list[:0]
	for _, cur := range list {
		if cur != h {
			out = append(out, cur)
		}
	}
	return out
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: if a subscriber's channel is full, the event is dropped for that subscriber.
// Also sends to all SubscribeAll channels and queues for handler subscriptions.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// Channel full, drop event (non-blocking)
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}

	for _, h := range b.handlers[topic] {
		h.push(event)
	}
}

// Close closes the event bus and all subscriber channels, then waits for
// handler subscriptions to drain their queues.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range b.allSubs {
		close(ch)
	}

	seen := make(map[*handlerSub]bool)
	var pending []*handlerSub
	for _, list := range b.handlers {
		for _, h := range list {
			if !seen[h] {
				seen[h] = true
				pending = append(pending, h)
			}
		}
	}
	b.handlers = make(map[string][]*handlerSub)
	b.mu.Unlock()

	// Handlers may publish while draining
	for _, h := range pending {
		h.stop()
	}
}
