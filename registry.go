package tipstream

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SubscriptionFilter narrows delivery to events concerning one username.
type SubscriptionFilter struct {
	Username string
}

// Subscription is one consumer's registration on a topic. It is owned by the
// registry; Unsubscribe removes it exactly once and is safe to call again.
type Subscription struct {
	ID     string
	Topic  EventType
	Filter *SubscriptionFilter

	registry *Registry
	callback func(StreamEvent)

	mu            sync.Mutex
	lastProcessed int64 // ms; advances only forward
}

// Unsubscribe cancels future delivery. Idempotent; it does not cancel publish
// attempts already in flight.
func (s *Subscription) Unsubscribe() {
	s.registry.remove(s.Topic, s.ID)
}

// LastProcessedMs returns the timestamp of the newest event delivered to this
// subscription, for catch-up reads.
func (s *Subscription) LastProcessedMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed
}

func (s *Subscription) advance(timestampMs int64) {
	s.mu.Lock()
	if timestampMs > s.lastProcessed {
		s.lastProcessed = timestampMs
	}
	s.mu.Unlock()
}

// Registry fans events out to all matching subscriptions. A panicking
// subscriber is logged and skipped; it never blocks delivery to the rest.
type Registry struct {
	mu   sync.Mutex
	subs map[EventType]map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[EventType]map[string]*Subscription)}
}

// Subscribe registers a callback for a topic, optionally filtered by username.
func (r *Registry) Subscribe(topic EventType, filter *SubscriptionFilter, callback func(StreamEvent)) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		Topic:    topic,
		Filter:   filter,
		registry: r,
		callback: callback,
	}
	r.mu.Lock()
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[string]*Subscription)
	}
	r.subs[topic][sub.ID] = sub
	r.mu.Unlock()
	return sub
}

func (r *Registry) remove(topic EventType, id string) {
	r.mu.Lock()
	if m, ok := r.subs[topic]; ok {
		delete(m, id)
	}
	r.mu.Unlock()
}

// Count returns how many subscriptions are live on a topic.
func (r *Registry) Count(topic EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topic])
}

// Dispatch delivers an event to every live subscription on its topic whose
// filter matches. Callbacks run outside the registry lock so a subscriber can
// unsubscribe (itself or others) during delivery.
func (r *Registry) Dispatch(ev StreamEvent) {
	r.mu.Lock()
	matched := make([]*Subscription, 0, len(r.subs[ev.Type()]))
	for _, sub := range r.subs[ev.Type()] {
		if sub.Filter != nil && !usernameMatches(ev, sub.Filter.Username) {
			continue
		}
		matched = append(matched, sub)
	}
	r.mu.Unlock()

	for _, sub := range matched {
		deliver(sub, ev)
	}
}

func deliver(sub *Subscription, ev StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Warnf("subscriber %s panicked handling %s event: %v", sub.ID, ev.Type(), r)
		}
	}()
	sub.callback(ev)
	sub.advance(ev.TimestampMs())
}
