package reactive

import (
	"slices"
	"sync"
)

// observers is an ordered set of callbacks, usable as a zero value.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	subs []subscription[T]
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// add registers fn and returns a function that removes it. The returned function is idempotent.
func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs = append(o.subs, subscription[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *observers[T]) remove(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.subs = slices.DeleteFunc(o.subs, func(s subscription[T]) bool { return s.id == id })
}

// notify calls every observer registered at the time of the call, in subscription order.
func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	subs := slices.Clone(o.subs)
	o.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

func (o *observers[T]) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}
