// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"sync"
)

// Message is an opaque event payload; in practice one of the typed events
// in this package.
type Message any

// Publisher is the event transport abstraction the engines depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Subscriber receives messages for one topic until closed.
type Subscriber interface {
	// C returns a read-only message channel.
	C() <-chan Message
	// Close unsubscribes.
	Close() error
}

// MemoryBus is an in-process pub/sub used for single-process runs and
// tests. Delivery is best-effort: slow subscribers lose messages rather
// than blocking the publisher.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*memorySubscriber
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscriber)}
}

// Publish delivers msg to every subscriber of topic without blocking.
func (b *MemoryBus) Publish(_ context.Context, topic string, msg Message) error {
	b.mu.RLock()
	subs := append([]*memorySubscriber(nil), b.subs[topic]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// drop on backpressure to avoid producer blockage
		}
	}
	return nil
}

// Subscribe registers a buffered subscriber for topic.
func (b *MemoryBus) Subscribe(topic string) Subscriber {
	sub := &memorySubscriber{bus: b, topic: topic, ch: make(chan Message, 64)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

type memorySubscriber struct {
	bus   *MemoryBus
	topic string
	ch    chan Message
	once  sync.Once
}

func (s *memorySubscriber) C() <-chan Message { return s.ch }

func (s *memorySubscriber) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		list := b.subs[s.topic]
		out := list[:0]
		for _, sub := range list {
			if sub != s {
				out = append(out, sub)
			}
		}
		if len(out) == 0 {
			delete(b.subs, s.topic)
		} else {
			b.subs[s.topic] = out
		}
		b.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Fanout publishes every message to all wrapped publishers, returning the
// first error after attempting each.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, topic string, msg Message) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, topic, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
