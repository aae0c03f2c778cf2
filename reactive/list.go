package reactive

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrOutOfRange = errors.New("reactive: index out of range")

// ChangeKind tells list observers what kind of invalidation happened.
type ChangeKind int

const (
	ChangeUnknown ChangeKind = iota
	// ChangeStructure means membership or order changed.
	ChangeStructure
	// ChangeValue means the value of a single item changed in place.
	ChangeValue
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeStructure:
		return "structure"
	case ChangeValue:
		return "value"
	default:
		return "unknown"
	}
}

type Change struct {
	Kind ChangeKind
	// Key and Index identify the item for ChangeValue.
	Key   string
	Index int
	// Len is the list length after the change.
	Len int
}

// Item is a node of a List. Its identity is stable for as long as its key stays in the list, so
// observers of an item survive bulk reconciliation.
type Item[T any] struct {
	key string

	mu      sync.RWMutex
	value   T
	version uint64

	obs observers[T]
}

func newItem[T any](key string, v T) *Item[T] {
	return &Item[T]{key: key, value: v, version: 1}
}

func (it *Item[T]) Key() string { return it.key }

func (it *Item[T]) Value() T {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.value
}

// Version starts at 1 and increases on every value change.
func (it *Item[T]) Version() uint64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.version
}

// Subscribe registers fn to be called whenever this item's value changes.
func (it *Item[T]) Subscribe(fn func(T)) func() {
	return it.obs.add(fn)
}

func (it *Item[T]) set(v T) {
	it.mu.Lock()
	it.value = v
	it.version++
	it.mu.Unlock()
}

// List is an ordered, key-addressable reactive container.
//
// Structural observers fire when membership or order changes. Value observers fire when a single
// item changes in place, alongside that item's own observers. A write never fires more than the
// cells it touched.
type List[T any] struct {
	key   func(T) string
	equal func(a, b T) bool

	wmu   sync.Mutex
	mu    sync.RWMutex
	items []*Item[T]

	structure observers[Change]
	values    observers[Change]
}

// NewList creates a list keyed by key. equal decides whether a reconciled item changed; a nil
// equal treats every matched item as changed.
func NewList[T any](key func(T) string, equal func(a, b T) bool, initial ...T) *List[T] {
	l := &List[T]{key: key, equal: equal}
	l.items = make([]*Item[T], 0, len(initial))
	for _, v := range initial {
		l.items = append(l.items, newItem(key(v), v))
	}
	return l
}

func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Items returns the current nodes in order. The slice is a copy; the nodes are live.
func (l *List[T]) Items() []*Item[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Item[T], len(l.items))
	copy(out, l.items)
	return out
}

// Values returns the current values in order.
func (l *List[T]) Values() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]T, len(l.items))
	for i, it := range l.items {
		out[i] = it.Value()
	}
	return out
}

// Subscribe registers a structural observer.
func (l *List[T]) Subscribe(fn func(Change)) func() {
	return l.structure.add(fn)
}

// SubscribeValues registers an observer for in-place item changes of any item.
func (l *List[T]) SubscribeValues(fn func(Change)) func() {
	return l.values.add(fn)
}

// Append adds v at the end of the list.
func (l *List[T]) Append(v T) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	l.items = append(l.items, newItem(l.key(v), v))
	n := len(l.items)
	l.mu.Unlock()

	l.structure.notify(Change{Kind: ChangeStructure, Len: n})
}

// Pop removes the last item. It reports false, and does nothing, when the list is empty.
func (l *List[T]) Pop() bool {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	if len(l.items) == 0 {
		l.mu.Unlock()
		return false
	}
	l.items[len(l.items)-1] = nil
	l.items = l.items[:len(l.items)-1]
	n := len(l.items)
	l.mu.Unlock()

	l.structure.notify(Change{Kind: ChangeStructure, Len: n})
	return true
}

// Set overwrites the item at index. When v has the key of the item already there, the node is
// kept and only its value changes; otherwise a new node takes the position.
func (l *List[T]) Set(index int, v T) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	n := len(l.items)
	if index < 0 || index >= n {
		l.mu.Unlock()
		return errors.Wrapf(ErrOutOfRange, "set index %d on list of length %d", index, n)
	}

	k := l.key(v)
	it := l.items[index]
	if it.key != k {
		l.items[index] = newItem(k, v)
		l.mu.Unlock()
		l.structure.notify(Change{Kind: ChangeStructure, Len: n})
		return nil
	}

	if l.equal != nil && l.equal(it.Value(), v) {
		l.mu.Unlock()
		return nil
	}
	it.set(v)
	l.mu.Unlock()

	l.notifyValue(it, index, n)
	return nil
}

// Reconcile replaces the contents with next, matching items by key. Matched items keep their node;
// those whose value changed get the new value and a new version. Unmatched keys are inserted,
// keys absent from next are removed, and the resulting order is the order of next.
func (l *List[T]) Reconcile(next []T) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	prev := make(map[string]*Item[T], len(l.items))
	for _, it := range l.items {
		if _, dup := prev[it.key]; !dup {
			prev[it.key] = it
		}
	}

	type valueChange struct {
		it    *Item[T]
		index int
	}

	structural := len(next) != len(l.items)
	items := make([]*Item[T], 0, len(next))
	var changed []valueChange

	for i, v := range next {
		k := l.key(v)
		it, ok := prev[k]
		if !ok {
			it = newItem(k, v)
			structural = true
		} else {
			// a duplicate key in next gets its own node
			delete(prev, k)
			if l.equal == nil || !l.equal(it.Value(), v) {
				it.set(v)
				changed = append(changed, valueChange{it: it, index: i})
			}
			if !structural && l.items[i] != it {
				structural = true
			}
		}
		items = append(items, it)
	}

	l.items = items
	n := len(items)
	l.mu.Unlock()

	if structural {
		l.structure.notify(Change{Kind: ChangeStructure, Len: n})
	}
	for _, c := range changed {
		l.notifyValue(c.it, c.index, n)
	}
}

func (l *List[T]) notifyValue(it *Item[T], index, n int) {
	it.obs.notify(it.Value())
	l.values.notify(Change{Kind: ChangeValue, Key: it.key, Index: index, Len: n})
}
