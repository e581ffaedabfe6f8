// Package events turns tracker callbacks into normalized lifecycle events,
// fans them out on a bus and appends them to a JSONL outbox that the
// uploader drains.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventAgentStarted         EventType = "agent_started"
	EventAgentVersion         EventType = "agent_version"
	EventPhaseChanged         EventType = "phase_changed"
	EventPoliciesDiscovered   EventType = "policies_discovered"
	EventAppStateChanged      EventType = "app_state_changed"
	EventAllAppsCompleted     EventType = "all_apps_completed"
	EventUserSessionCompleted EventType = "user_session_completed"
)

// AllTypes lists every lifecycle event type.
var AllTypes = []EventType{
	EventAgentStarted,
	EventAgentVersion,
	EventPhaseChanged,
	EventPoliciesDiscovered,
	EventAppStateChanged,
	EventAllAppsCompleted,
	EventUserSessionCompleted,
}

type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events to two kinds of subscriber. Best-effort subscribers
// get one buffered channel each; when a buffer is full the event is dropped
// for that subscriber and counted. Durable subscribers run inline inside
// Publish, in publish order, and never miss an event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	durable     []Subscriber
	durableMu   sync.Mutex
	bufferSize  int
	closed      bool
	wg          sync.WaitGroup
	dropped     atomic.Uint64
	now         func() time.Time
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
// A panicking subscriber does not stop delivery of later events.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.deliver(ch, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, c := range subs {
			if c == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// SubscribeAll registers fn for every lifecycle type through a single
// channel, so fn sees events in publish order.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, et := range AllTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}

	b.deliver(ch, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		found := false
		for _, et := range AllTypes {
			subs := b.subscribers[et]
			for i, c := range subs {
				if c == ch {
					b.subscribers[et] = append(subs[:i], subs[i+1:]...)
					found = true
					break
				}
			}
		}
		if found {
			close(ch)
		}
	}
}

// SubscribeDurable registers fn for every lifecycle type. fn is called
// synchronously by Publish, so a slow fn slows the publisher instead of
// losing events.
func (b *Bus) SubscribeDurable(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.durable = append(b.durable, fn)
}

func (b *Bus) deliver(ch chan Event, fn Subscriber) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range ch {
			callSafely(fn, ev)
		}
	}()
}

// Publish stamps the event with an id and time and hands it to subscribers.
func (b *Bus) Publish(eventType EventType, data map[string]any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ev
	}
	if len(b.durable) > 0 {
		b.durableMu.Lock()
		for _, fn := range b.durable {
			callSafely(fn, ev)
		}
		b.durableMu.Unlock()
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return ev
}

func callSafely(fn Subscriber, ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel and waits until the events already
// queued have been delivered. Later publishes are discarded.
func (b *Bus) Close() {
	defer b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for et, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, et)
	}
	b.durable = nil
}
