// Package event provides in-process topics with zero or more subscribers.
package event

import "sync"

// Source is the subscribe-only view of a Topic handed to consumers.
type Source[T any] interface {
	Subscribe(fn func(T)) (unsubscribe func())
}

// Topic fans a value out to every subscriber in subscription order.
// The zero value is ready to use.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers v to a snapshot of the current subscribers. Handlers run
// on the caller's goroutine, outside the topic lock.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Clear drops every subscriber.
func (t *Topic[T]) Clear() {
	t.mu.Lock()
	t.subs = nil
	t.mu.Unlock()
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
