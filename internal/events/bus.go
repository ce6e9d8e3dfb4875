// Package events fans state changes out to API subscribers: a topic-based
// hub plus the periodic engine status broadcaster.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

// Topics carried by the hub.
const (
	TopicEngines = "engines"
	TopicJobs    = "jobs"
	TopicHosts   = "hosts"
)

// Event is one published message.
type Event struct {
	Topic string
	Data  interface{}
}

// Subscriber receives events on a buffered channel. A slow subscriber
// loses events rather than blocking publishers.
type Subscriber struct {
	topics map[string]bool
	ch     chan Event
}

// C is the subscriber's receive channel. Closed on Unsubscribe.
func (s *Subscriber) C() <-chan Event { return s.ch }

func (s *Subscriber) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewBus builds an empty hub.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "events").Logger(),
		subs: map[*Subscriber]struct{}{},
	}
}

// Subscribe registers a subscriber. An empty topic list means every topic.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, 32)}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, data interface{}) {
	ev := Event{Topic: topic, Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn().Str("topic", topic).Msg("subscriber lagging, event dropped")
		}
	}
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// PublishHostAvailability satisfies the connectivity monitor's broadcaster.
func (b *Bus) PublishHostAvailability(ev types.HostAvailability) {
	b.Publish(TopicHosts, ev)
}

// PublishJobProgress pushes a job update.
func (b *Bus) PublishJobProgress(ev types.JobProgress) {
	b.Publish(TopicJobs, ev)
}
