// Package observe provides a last-value-plus-updates observable used to
// publish queue and sync state to interested parties.
package observe

import "sync"

// Value holds the latest value of T and fans changes out to subscribers.
// Each subscriber channel has a single slot: a slow reader misses
// intermediate values but always receives the most recent one.
type Value[T any] struct {
	mu      sync.RWMutex
	current T
	subs    map[chan T]struct{}
}

// NewValue returns a Value seeded with initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[chan T]struct{}),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores val and notifies subscribers.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.current = val
	for ch := range v.subs {
		offer(ch, val)
	}
}

// Update applies fn to the current value under the lock and publishes the
// result. It returns the new value.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.current = fn(v.current)
	for ch := range v.subs {
		offer(ch, v.current)
	}
	return v.current
}

// Subscribe returns a channel that immediately yields the current value and
// then every later one. The returned func unsubscribes and closes the channel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	ch <- v.current
	v.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, ch)
			close(ch)
		})
	}
}

// offer replaces a stale buffered value with val. Callers hold v.mu, so no
// other writer can refill the slot in between.
func offer[T any](ch chan T, val T) {
	select {
	case ch <- val:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- val
}
