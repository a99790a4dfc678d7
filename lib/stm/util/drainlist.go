package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the list
type node[T any] struct {
	value T
	next  *node[T]
}

// DrainList is a lock-free multi-producer single-consumer list.
// Producers Push concurrently; a single consumer empties the list with Drain.
//
// There is no FIFO guarantee: under concurrent Push operations the drain
// order is determined by which producer completes its operation first.
type DrainList[T any] struct {
	head atomic.Pointer[node[T]]
}

// NewDrainList creates a new empty drain list.
func NewDrainList[T any]() *DrainList[T] {
	return &DrainList[T]{}
}

// Push adds an item to the list.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *DrainList[T]) Push(value T) {
	newNode := &node[T]{value: value}

	var backoff uint8 = 0
	for {
		head := l.head.Load()
		newNode.next = head
		if l.head.CompareAndSwap(head, newNode) {
			return
		}

		/*
		 Exponential backoff to handle contention: at low contention spin via
		 Gosched a few times; the backoff doubles with each retry to reduce
		 the "thundering herd" problem where all producers retry at once.
		*/
		if backoff < 10 {
			backoff++
		}
		for i := 0; i < 1<<backoff; i++ {
			runtime.Gosched()
		}
	}
}

// Drain detaches the whole list and calls fn for every item. It returns the
// number of items drained.
//
// Thread-safety: Drain must only be called by a single consumer at a time.
// Concurrent Push calls are allowed; items pushed during Drain end up in the
// next Drain.
func (l *DrainList[T]) Drain(fn func(T)) int {
	head := l.head.Swap(nil)

	count := 0
	for n := head; n != nil; n = n.next {
		fn(n.value)
		count++
	}
	return count
}

// Empty reports whether the list currently has no items. The answer is
// immediately stale under concurrent Push calls and should only be used for
// diagnostics.
func (l *DrainList[T]) Empty() bool {
	return l.head.Load() == nil
}
