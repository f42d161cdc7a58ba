// Package events fans out per-campaign snapshots to stream subscribers.
package events

import (
	"sync"
)

const defaultBuffer = 16

// Bus keeps one topic per id. A topic remembers its last value so late
// subscribers start from the current state, and it closes every subscriber
// after a terminal value. Topics exist from Open or the first Publish until
// Forget; subscribing to any other id yields a closed subscription.
type Bus[T any] struct {
	mu     sync.Mutex
	topics map[string]*topic[T]
	buffer int
}

type topic[T any] struct {
	last     T
	hasLast  bool
	terminal bool
	subs     map[*Subscription[T]]struct{}
}

// Subscription is one consumer's view of a topic.
type Subscription[T any] struct {
	bus  *Bus[T]
	id   string
	ch   chan T
	once sync.Once
}

func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus[T]{topics: make(map[string]*topic[T]), buffer: buffer}
}

// C yields values until the topic ends or Close is called.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Final is a subscription that yields v once and ends. It is not attached to
// any bus.
func Final[T any](v T) *Subscription[T] {
	s := &Subscription[T]{ch: make(chan T, 1)}
	s.ch <- v
	s.closeLocked()
	return s
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription[T]) Close() {
	if s.bus == nil {
		s.closeLocked()
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if t, ok := s.bus.topics[s.id]; ok {
		delete(t.subs, s)
	}
	s.closeLocked()
}

func (s *Subscription[T]) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

// Publish records v as the topic's latest value and delivers it. A slow
// subscriber loses its oldest pending value, never the newest.
func (b *Bus[T]) Publish(id string, v T, terminal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(id)
	if t.terminal {
		return
	}
	t.last, t.hasLast, t.terminal = v, true, terminal

	for s := range t.subs {
		deliver(s.ch, v)
		if terminal {
			s.closeLocked()
		}
	}
	if terminal {
		t.subs = make(map[*Subscription[T]]struct{})
	}
}

// Open creates the topic for id so subscribers may attach before the first
// Publish. Opening an existing topic is a no-op.
func (b *Bus[T]) Open(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topicLocked(id)
}

// Subscribe opens a subscription that first receives the latest value, if
// any. Subscribing to an ended topic yields its final value and a closed
// channel; an unknown or forgotten topic yields a closed channel.
func (b *Bus[T]) Subscribe(id string) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription[T]{bus: b, id: id, ch: make(chan T, b.buffer)}
	t, ok := b.topics[id]
	if !ok {
		s.closeLocked()
		return s
	}
	if t.hasLast {
		s.ch <- t.last
	}
	if t.terminal {
		s.closeLocked()
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// Forget drops a topic, closing any remaining subscribers.
func (b *Bus[T]) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[id]
	if !ok {
		return
	}
	for s := range t.subs {
		s.closeLocked()
	}
	delete(b.topics, id)
}

// Subscribers reports the live subscriber count for id.
func (b *Bus[T]) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[id]; ok {
		return len(t.subs)
	}
	return 0
}

func (b *Bus[T]) topicLocked(id string) *topic[T] {
	t, ok := b.topics[id]
	if !ok {
		t = &topic[T]{subs: make(map[*Subscription[T]]struct{})}
		b.topics[id] = t
	}
	return t
}

func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
