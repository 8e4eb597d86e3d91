// Package events implements the engine's event bus. The Publisher/
// Subscriber interface shape and LogPublisher are adapted directly from
// the teacher's streaming package; taskmesh additionally ships a real
// in-process fan-out Bus (the teacher's streaming package had no
// non-log implementation) with bounded per-subscriber channels and a
// slow-subscriber drop policy.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/relayforge/taskmesh/internal/clock"
)

// Event is one notification published on the bus: a task status
// change, a workflow run transition, a quota exhaustion, etc.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher matches the teacher's streaming.Publisher contract.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// Subscription lets a caller stop receiving events.
type Subscription interface {
	Unsubscribe()
}

// Subscriber matches the teacher's streaming.Subscriber contract,
// adapted to hand back a Go channel instead of a callback so consumers
// can range over it with a select alongside their own cancellation.
type Subscriber interface {
	Subscribe(topic string) (<-chan Event, Subscription)
}

// LogPublisher writes every published event as a structured log line,
// adapted near-verbatim from streaming.LogPublisher with clock.NewID
// replacing the teacher's "log-id-stub" placeholder.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher constructs a LogPublisher over the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        clock.NewID(),
		Topic:     topic,
		Payload:   json.RawMessage(data),
		Timestamp: time.Now(),
		Source:    "taskmesh",
	}
	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[EVENTS] publish %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[EVENTS] closed LogPublisher")
	return nil
}

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	topic  string
	closed bool
}

// Bus is a real in-process event bus: Publish fans out non-blockingly
// to every subscriber of a topic, dropping the event for any
// subscriber whose buffer is full rather than blocking the publisher
// on a slow consumer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}

	dropped uint64
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]map[*subscriber]struct{})}
}

// Publish fans out an event to every current subscriber of topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	event := Event{
		ID:        clock.NewID(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "taskmesh",
	}

	b.mu.RLock()
	subs := b.subscribers[topic]
	targets := make([]*subscriber, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- event:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			log.Printf("[EVENTS] dropped event for slow subscriber on topic %s", topic)
		}
	}
	return nil
}

func (b *Bus) Close() error { return nil }

// Subscribe returns a channel of events for topic, plus a handle to
// stop receiving them.
func (b *Bus) Subscribe(topic string) (<-chan Event, Subscription) {
	s := &subscriber{ch: make(chan Event, defaultSubscriberBuffer), topic: topic}

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[*subscriber]struct{})
	}
	b.subscribers[topic][s] = struct{}{}
	b.mu.Unlock()

	return s.ch, &busSubscription{bus: b, sub: s}
}

// DroppedCount reports how many events have been dropped for slow
// subscribers since the Bus was created, for observability.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

type busSubscription struct {
	bus *Bus
	sub *subscriber
}

func (s *busSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.sub.closed {
		return
	}
	s.sub.closed = true
	delete(s.bus.subscribers[s.sub.topic], s.sub)
	close(s.sub.ch)
}
