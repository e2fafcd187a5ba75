// Package event provides the pub/sub bus that sessions publish into and the
// transport layer subscribes to, built on watermill's gochannel.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies a bus event.
type Type string

const (
	SessionCreated Type = "session.created"
	SessionUpdated Type = "session.updated"
	SessionDeleted Type = "session.deleted"
	SessionState   Type = "session.state"
	SessionError   Type = "session.error"
	AgentState     Type = "agent.state"
	MessageCreated Type = "message.created"
	MessageUpdated Type = "message.updated"
	PersistStarted Type = "persist.started"
	PersistSuccess Type = "persist.succeeded"
	PersistFailed  Type = "persist.failed"
)

// Event is one published bus event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus fans events out to registered handlers. Dispatch is direct so payloads
// keep their Go types; the watermill gochannel underneath is the hook for
// middleware, routing, or a distributed backend, reachable via PubSub.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	byType map[Type][]subscription
	all    []subscription

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

// NewBus creates an event bus.
func NewBus() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
		byType: make(map[Type][]subscription),
		cancel: cancel,
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.byType[t] = append(b.byType[t], subscription{id: id, fn: fn})
	return func() { b.drop(t, id) }
}

// SubscribeAll registers a handler for every event and returns an
// unsubscribe function.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.all = append(b.all, subscription{id: id, fn: fn})
	return func() { b.dropAll(id) }
}

func (b *Bus) drop(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[t]
	for i, s := range subs {
		if s.id == id {
			b.byType[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) dropAll(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.all {
		if s.id == id {
			b.all = append(b.all[:i], b.all[i+1:]...)
			return
		}
	}
}

func (b *Bus) handlers(t Type) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	out := make([]Handler, 0, len(b.byType[t])+len(b.all))
	for _, s := range b.byType[t] {
		out = append(out, s.fn)
	}
	for _, s := range b.all {
		out = append(out, s.fn)
	}
	return out
}

// Publish delivers the event to every handler, each on its own goroutine so
// a slow subscriber cannot stall the session stream.
func (b *Bus) Publish(e Event) {
	for _, fn := range b.handlers(e.Type) {
		go fn(e)
	}
}

// PublishSync delivers the event to every handler in the calling goroutine.
// Used where ordering relative to the caller matters, e.g. state transitions.
func (b *Bus) PublishSync(e Event) {
	for _, fn := range b.handlers(e.Type) {
		fn(e)
	}
}

// PubSub returns the underlying watermill GoChannel, for middleware or when
// swapping in a distributed transport.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Close shuts the bus down; further publishes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.byType = make(map[Type][]subscription)
	b.all = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
