// Package observe provides latest-value cells that publish every change to
// any number of watchers without ever blocking the writer.
package observe

import "sync"

// Watchable is the read-only view of a Value handed to consumers.
type Watchable[T any] interface {
	// Load returns the current value.
	Load() T
	// Watch returns a channel that immediately holds the current value and
	// then receives every later value. Slow watchers only see the newest
	// value. The returned cancel func closes the channel.
	Watch() (<-chan T, func())
}

// Value is a mutex-guarded cell. The zero value is not usable; use NewValue.
type Value[T any] struct {
	mu     sync.Mutex
	v      T
	subs   map[uint64]chan T
	nextID uint64
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		v:    initial,
		subs: make(map[uint64]chan T),
	}
}

// Compile-time check that Value implements Watchable.
var _ Watchable[int] = (*Value[int])(nil)

func (c *Value[T]) Load() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Store replaces the value and notifies watchers.
func (c *Value[T]) Store(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = v
	c.publish()
}

// Update applies fn to the current value atomically and stores the result.
func (c *Value[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = fn(c.v)
	c.publish()
	return c.v
}

func (c *Value[T]) Watch() (<-chan T, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan T, 1)
	ch <- c.v
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Watchers returns the number of active watchers.
func (c *Value[T]) Watchers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// publish conflates into each 1-slot channel (caller must hold mu).
// Only publish sends on these channels, so after draining there is room.
func (c *Value[T]) publish() {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c.v
	}
}
