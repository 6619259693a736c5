package notify

import (
	"log/slog"
	"strings"
	"sync"
)

// Broker fans events out to subscribers. Publish never blocks: a subscriber whose queue is full
// loses the event.
type Broker struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{log: log, subs: make(map[*Subscription]struct{})}
}

// Publish delivers ev to every subscriber of topic and to wildcard subscribers.
func (b *Broker) Publish(topic string, ev Event) {
	if b == nil {
		return
	}
	topic = strings.TrimSpace(topic)
	if ev.SessionID == "" {
		ev.SessionID = topic
	}
	ev = stamp(ev)

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.topic == "" || s.topic == topic {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if !s.offer(ev) {
			b.log.Warn("notification dropped", "session_id", topic, "event_type", ev.Type)
		}
	}
}

// subscriptionQueueSize bounds the events a slow subscriber can have pending.
const subscriptionQueueSize = 1024

// Subscribe registers a subscriber. An empty topic receives every event.
func (b *Broker) Subscribe(topic string) *Subscription {
	s := &Subscription{
		topic: strings.TrimSpace(topic),
		limit: subscriptionQueueSize,
		ready: make(chan struct{}, 1),
		stop:  make(chan struct{}),
		b:     b,
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is a bounded FIFO of events in publish order. When it is full, low-priority events
// make room for status-like ones so tool chatter cannot starve them.
type Subscription struct {
	topic string
	limit int

	mu    sync.Mutex
	queue []Event
	ready chan struct{}

	stop chan struct{}
	once sync.Once
	b    *Broker
}

func (s *Subscription) offer(ev Event) bool {
	select {
	case <-s.stop:
		return true
	default:
	}
	s.mu.Lock()
	if len(s.queue) >= s.limit && (ev.lowPriority() || !s.evictLowPriorityLocked()) {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

// evictLowPriorityLocked removes the oldest low-priority event. It reports false when every
// queued event must be kept.
func (s *Subscription) evictLowPriorityLocked() bool {
	for i, ev := range s.queue {
		if ev.lowPriority() {
			copy(s.queue[i:], s.queue[i+1:])
			s.queue[len(s.queue)-1] = Event{}
			s.queue = s.queue[:len(s.queue)-1]
			return true
		}
	}
	return false
}

// Next blocks until an event is available or done is closed. Events come out in the order they
// were published.
func (s *Subscription) Next(done <-chan struct{}) (Event, bool) {
	for {
		select {
		case <-s.stop:
			return Event{}, false
		default:
		}
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.stop:
			return Event{}, false
		case <-done:
			return Event{}, false
		}
	}
}

// pending returns the number of queued events.
func (s *Subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.stop)
		s.b.remove(s)
	})
}
