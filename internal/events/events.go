// Package events provides a small typed one-to-many fan-out bus.
// Producers publish a payload struct and never block on slow or absent
// subscribers; each subscriber gets its own buffered channel, and a value
// published while that buffer is full is dropped for that subscriber.
package events

import "sync"

// Bus fans out values of type T to any number of subscribers.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers []chan T
	bufferSize  int
}

// NewBus returns a Bus whose subscriber channels are buffered to
// bufferSize. A buffer of 0 means a publish is dropped immediately if no
// subscriber is ready to receive it.
func NewBus[T any](bufferSize int) *Bus[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus[T]{bufferSize: bufferSize}
}

// Subscribe registers a new receiver. The returned channel is never closed
// by Publish; callers that need to unsubscribe should track the channel and
// call Unsubscribe.
func (b *Bus[T]) Subscribe() <-chan T {
	ch := make(chan T, b.bufferSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (b *Bus[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			close(sub)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish fans value out to every current subscriber without blocking: a
// subscriber whose buffer is full simply misses this value.
func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- value:
		default:
		}
	}
}

// SubscriberCount reports the current number of subscribers, used in tests
// and diagnostics.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
