package store

// Ring is a fixed-capacity buffer that evicts the oldest item on overflow.
// It is not safe for concurrent use; Store guards every ring with its own lock.
type Ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item, dropping the oldest item when full.
func (r *Ring[T]) Push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// Items returns a copy of the buffered items, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	start := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }
