package reactive

import "sync"

// Signal is a scalar reactive cell. Observers are notified only when a write changes the value
// according to the signal's equality function.
//
// Writes are serialized and their notifications are delivered in write order. Observers run on the
// writer's goroutine and must not write to the same signal.
type Signal[T any] struct {
	wmu   sync.Mutex
	mu    sync.RWMutex
	value T
	equal func(a, b T) bool
	obs   observers[T]
}

// NewSignal creates a signal that compares values with ==.
func NewSignal[T comparable](initial T) *Signal[T] {
	return NewSignalFunc(initial, func(a, b T) bool { return a == b })
}

// NewSignalFunc creates a signal with a custom equality function. A nil equal makes every write a
// change.
func NewSignalFunc[T any](initial T, equal func(a, b T) bool) *Signal[T] {
	return &Signal[T]{value: initial, equal: equal}
}

func (s *Signal[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set stores v and reports whether observers were notified.
func (s *Signal[T]) Set(v T) bool {
	return s.Update(func(T) T { return v })
}

// Update applies fn to the current value under the write lock.
func (s *Signal[T]) Update(fn func(current T) T) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	next := fn(s.value)
	if s.equal != nil && s.equal(s.value, next) {
		s.mu.Unlock()
		return false
	}
	s.value = next
	s.mu.Unlock()

	s.obs.notify(next)
	return true
}

// Subscribe registers fn to be called with every new value. It returns the unsubscribe function.
func (s *Signal[T]) Subscribe(fn func(T)) func() {
	return s.obs.add(fn)
}
