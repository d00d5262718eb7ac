// Package ring provides a fixed-capacity FIFO buffer. When the buffer is full,
// Push evicts the oldest element to make room, so memory stays bounded under
// sustained load. It backs the rule evaluation history and the per-metric
// sample history.
package ring

// Buffer is a generic ring buffer. The zero value is not usable; call New.
//
// Buffer is not safe for concurrent use; owners guard it with their own lock.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

// New returns an empty Buffer holding at most capacity elements.
// A capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v. If the buffer was full, the oldest element is evicted and
// returned with ok == true.
func (b *Buffer[T]) Push(v T) (evicted T, ok bool) {
	c := len(b.items)
	if b.size < c {
		b.items[(b.head+b.size)%c] = v
		b.size++
		return evicted, false
	}
	evicted = b.items[b.head]
	b.items[b.head] = v
	b.head = (b.head + 1) % c
	return evicted, true
}

// Items returns a copy of the stored elements, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Last returns the newest element.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.items[(b.head+b.size-1)%len(b.items)], true
}

// Do calls fn for each element from oldest to newest until fn returns false.
func (b *Buffer[T]) Do(fn func(T) bool) {
	for i := 0; i < b.size; i++ {
		if !fn(b.items[(b.head+i)%len(b.items)]) {
			return
		}
	}
}
