package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// AdvertiseTopic is the bus topic every receiver announces itself on.
const AdvertiseTopic = "advertise"

const defaultSubscriptionBuffer = 64

// ErrBusClosed indicates use of a bus after Close.
var ErrBusClosed = errors.New("transport: bus closed")

// Bus is the local channel medium: a best-effort publish/subscribe fabric
// keyed by topic, where a receiver's topic is its endpoint id. Publish never
// waits for subscribers; a slow subscriber misses frames.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription delivers payloads published to one topic.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
}

type memorySubscription struct {
	bus       *MemoryBus
	topic     string
	messages  chan []byte
	closeOnce sync.Once
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memorySubscription]struct{})}
}

// Publish fans payload out to the topic's current subscribers.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("transport: topic is required")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.topics[topic] {
		copied := append([]byte(nil), payload...)
		select {
		case sub.messages <- copied:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("transport: topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &memorySubscription{
		bus:      b,
		topic:    topic,
		messages: make(chan []byte, defaultSubscriptionBuffer),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Close detaches every subscriber. Their channels are closed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce.Do(func() { close(sub.messages) })
	}
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (s *memorySubscription) Messages() <-chan []byte { return s.messages }

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	if set := s.bus.topics[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.bus.mu.Unlock()

	s.closeOnce.Do(func() { close(s.messages) })
	return nil
}
