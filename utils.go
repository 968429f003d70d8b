package dashpoll

import (
	"github.com/gammazero/deque"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Float | constraints.Integer
}

func Filter[T any](slice []T, predicate func(T) bool) []T {
	filtered := make([]T, 0, len(slice))
	for _, elem := range slice {
		if predicate(elem) {
			filtered = append(filtered, elem)
		}
	}
	return filtered
}

func Min[T Number](a T, b T) T {
	if a > b {
		return b
	}

	return a
}

// A bounded FIFO that drops its oldest element once full.
//
// Not thread-safe: the UpdateBroadcaster has a single mutex governing both
// the buffer and channel management, and a second mutex here would only be a
// potential for deadlocks.
type ThreadUnsafeRing[T any] struct {
	capacity int
	deque    *deque.Deque[T]
}

func NewRing[T any](capacity int) *ThreadUnsafeRing[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &ThreadUnsafeRing[T]{
		capacity: capacity,
		deque:    deque.New[T](capacity),
	}
}

func (r *ThreadUnsafeRing[T]) Push(data T) {
	if r.deque.Len() == r.capacity {
		r.deque.PopFront()
	}
	r.deque.PushBack(data)
}

func (r *ThreadUnsafeRing[T]) Len() int {
	return r.deque.Len()
}

// ReadAllOrdered returns the buffered elements, oldest first.
func (r *ThreadUnsafeRing[T]) ReadAllOrdered() []T {
	arr := make([]T, 0, r.deque.Len())
	for i := 0; i < r.deque.Len(); i++ {
		arr = append(arr, r.deque.At(i))
	}
	return arr
}
