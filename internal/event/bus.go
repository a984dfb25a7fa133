package event

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/inlinechat/internal/logging"
)

// EventType represents the type of event.
type EventType string

const (
	SessionStarted  EventType = "session.started"
	SessionEnded    EventType = "session.ended"
	StateChanged    EventType = "controller.state"
	EditsApplied    EventType = "edits.applied"
	HunksUpdated    EventType = "hunks.updated"
	DocumentChanged EventType = "document.changed"
)

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus manages typed subscribers and mirrors events onto a watermill GoChannel.
type Bus struct {
	mu sync.RWMutex

	pubsub       *gochannel.GoChannel
	forwardTopic string

	subscribers map[EventType][]subscriberEntry

	nextID uint64
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithForwardTopic mirrors every event as JSON onto the given watermill topic.
func WithForwardTopic(topic string) Option {
	return func(b *Bus) {
		b.forwardTopic = topic
	}
}

// NewBus creates a new event bus instance.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
				// forwarded events reach consumers in publish order
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(eventType, id)
	}
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// collect returns the subscribers for an event, or nil when closed.
func (b *Bus) collect(eventType EventType) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}

	subs := make([]Subscriber, 0, len(b.subscribers[eventType]))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine to prevent blocking.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	b.forward(event)
	for _, sub := range subs {
		go sub(event)
	}
}

// PublishSync sends an event to all subscribers synchronously.
// All subscribers are called in the current goroutine before returning.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	b.forward(event)
	for _, sub := range subs {
		sub(event)
	}
}

func (b *Bus) forward(event Event) {
	if b.forwardTopic == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to marshal forwarded event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(event.Type))
	if err := b.pubsub.Publish(b.forwardTopic, msg); err != nil {
		logging.Warn().Err(err).Str("topic", b.forwardTopic).Msg("failed to forward event")
	}
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel.
// Subscribe to the forward topic on it to receive JSON-encoded events.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
