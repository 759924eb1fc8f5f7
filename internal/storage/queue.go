package storage

import (
	"slices"
	"sort"
	"time"
)

// Queue keeps items ordered by a time key. Items with equal keys keep
// insertion order. It is not safe for concurrent use.
type Queue[T comparable] struct {
	items []T
	key   func(T) time.Time
}

func NewQueue[T comparable](key func(T) time.Time) *Queue[T] {
	return &Queue[T]{key: key}
}

// Insert places item after every item whose key is not later than its own.
func (q *Queue[T]) Insert(item T) {
	at := q.key(item)
	i := sort.Search(len(q.items), func(i int) bool {
		return q.key(q.items[i]).After(at)
	})
	q.items = slices.Insert(q.items, i, item)
}

// Remove deletes item and reports whether it was present.
func (q *Queue[T]) Remove(item T) bool {
	i := slices.Index(q.items, item)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

func (q *Queue[T]) Contains(item T) bool {
	return slices.Contains(q.items, item)
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Items returns a copy of the queue contents in order.
func (q *Queue[T]) Items() []T {
	return slices.Clone(q.items)
}

func (q *Queue[T]) Clear() {
	q.items = nil
}
