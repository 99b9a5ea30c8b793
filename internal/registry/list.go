// Package registry provides an insertion-ordered collection with stable
// handles, used to keep track of clients, jobs and the watchers of a job.
package registry

import (
	"container/list"
	"iter"
)

// Handle identifies an entry in a List. Handles are never reused within a
// List.
type Handle uint64

type entry[T any] struct {
	handle Handle
	value  T
}

// List is an insertion-ordered collection supporting constant time append
// and removal by handle. It is not safe for concurrent use.
type List[T any] struct {
	items   *list.List
	handles map[Handle]*list.Element
	next    Handle
}

func New[T any]() *List[T] {
	return &List[T]{
		items:   list.New(),
		handles: make(map[Handle]*list.Element),
	}
}

// Append adds v to the end of the list and returns its handle.
func (l *List[T]) Append(v T) Handle {
	l.next++

	h := l.next
	l.handles[h] = l.items.PushBack(&entry[T]{handle: h, value: v})

	return h
}

// Remove deletes the entry with the given handle. It reports false if the
// handle is unknown, e.g. because it has already been removed.
func (l *List[T]) Remove(h Handle) (T, bool) {
	e, ok := l.handles[h]
	if !ok {
		var zero T
		return zero, false
	}

	delete(l.handles, h)

	return l.items.Remove(e).(*entry[T]).value, true
}

func (l *List[T]) Get(h Handle) (T, bool) {
	e, ok := l.handles[h]
	if !ok {
		var zero T
		return zero, false
	}

	return e.Value.(*entry[T]).value, true
}

func (l *List[T]) Len() int {
	return len(l.handles)
}

// All iterates the entries in insertion order. The entry being visited may
// be removed from within the loop, as may any other entry. Entries appended
// during iteration are visited.
func (l *List[T]) All() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		for e := l.items.Front(); e != nil; {
			en := e.Value.(*entry[T])

			if !yield(en.handle, en.value) {
				return
			}

			// The element may have been removed by the loop body, in which case
			// container/list has cleared its links.
			if _, ok := l.handles[en.handle]; ok {
				e = e.Next()
				continue
			}

			e = l.successor(en.handle)
		}
	}
}

// successor returns the first live element appended after h.
func (l *List[T]) successor(h Handle) *list.Element {
	for e := l.items.Front(); e != nil; e = e.Next() {
		if e.Value.(*entry[T]).handle > h {
			return e
		}
	}

	return nil
}

// Find returns the first entry for which match reports true.
func (l *List[T]) Find(match func(T) bool) (Handle, T, bool) {
	for h, v := range l.All() {
		if match(v) {
			return h, v, true
		}
	}

	var zero T

	return 0, zero, false
}

// Values returns a snapshot of the entries in insertion order.
func (l *List[T]) Values() []T {
	values := make([]T, 0, l.Len())

	for _, v := range l.All() {
		values = append(values, v)
	}

	return values
}

// Clear removes every entry.
func (l *List[T]) Clear() {
	l.items.Init()
	clear(l.handles)
}
