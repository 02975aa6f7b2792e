package notify

// Ring is a fixed-size circular buffer that overwrites its oldest element
// when full. It is not safe for concurrent use; the hub guards it.
type Ring[T any] struct {
	buf  []T
	size int
	head int // next write position
	full bool
}

// NewRing creates a ring holding up to size elements.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 16
	}
	return &Ring[T]{buf: make([]T, size), size: size}
}

// Push appends v, overwriting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	if r.full {
		return r.size
	}
	return r.head
}

// Items returns the stored elements oldest first.
func (r *Ring[T]) Items() []T {
	if !r.full {
		out := make([]T, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]T, 0, r.size)
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}
