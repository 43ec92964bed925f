// Package ring provides a fixed-capacity FIFO buffer. Inserting past
// capacity evicts the oldest element. It is not safe for concurrent use;
// owners guard it with their own lock.
package ring

type Buffer[T any] struct {
	items []T
	start int
	size  int
}

func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest element when full.
func (b *Buffer[T]) Push(v T) {
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = v
		b.size++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
}

func (b *Buffer[T]) Len() int { return b.size }

func (b *Buffer[T]) Cap() int { return len(b.items) }

// Slice returns a copy of the contents, oldest first.
func (b *Buffer[T]) Slice() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

// Last returns a copy of the newest n elements, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n <= 0 {
		return []T{}
	}
	if n > b.size {
		n = b.size
	}
	out := make([]T, n)
	offset := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.start+offset+i)%len(b.items)]
	}
	return out
}

func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start = 0
	b.size = 0
}
