package client

import (
	"sync"

	"github.com/seantiz/flowcache/internal/model"
)

// AllEvents is the topic that receives every lifecycle event.
const AllEvents = "*"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// eventBroker fans scheduler lifecycle events out to subscribers by stream
// key. It is safe for concurrent use.
//
// Once closed, every subscriber channel is closed and later subscribers get
// a closed channel instead of blocking forever.
type eventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
	closed bool
}

type eventTopic struct {
	subs   map[int]chan model.Event
	nextID int
}

func newEventBroker() *eventBroker {
	return &eventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel receiving events for topic and an unsubscribe
// function.
func (b *eventBroker) Subscribe(topic string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	t, ok := b.topics[topic]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[topic] = t
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[topic] == t {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers ev to subscribers of its stream key and of AllEvents.
// Events are dropped for subscribers whose buffers are full.
func (b *eventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	topics := []string{AllEvents}
	if key := ev.Stream(); key != "" {
		topics = append(topics, key)
	}
	for _, name := range topics {
		t, ok := b.topics[name]
		if !ok {
			continue
		}
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
				// Drop for slow subscribers to avoid blocking the reader.
			}
		}
	}
}

// Close closes every subscriber channel.
func (b *eventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, t := range b.topics {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, name)
	}
}
