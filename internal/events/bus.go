package events

import (
	evbus "github.com/asaskevich/EventBus"
)

// Bus is a Sink that publishes to in-process subscribers. Handlers run
// synchronously on the emitting goroutine.
type Bus struct {
	bus evbus.Bus
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Emit(topic string, payload any) {
	b.bus.Publish(topic, payload)
}

// Subscribe registers fn for topic. fn must accept the topic's payload type,
// e.g. func(SuggestionPayload).
func (b *Bus) Subscribe(topic string, fn any) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync registers fn to run off the emitting goroutine. Calls are
// serialised but not ordered.
func (b *Bus) SubscribeAsync(topic string, fn any) error {
	return b.bus.SubscribeAsync(topic, fn, true)
}

// Unsubscribe removes fn from topic.
func (b *Bus) Unsubscribe(topic string, fn any) error {
	return b.bus.Unsubscribe(topic, fn)
}

// Wait blocks until async handlers have drained.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}
