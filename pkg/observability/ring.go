package observability

// ring is a fixed-capacity FIFO that drops its oldest item when full. It is
// not synchronised; the Aggregator guards it.
type ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

// push appends v, evicting the oldest item when full.
func (r *ring[T]) push(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// tail is the index of the oldest item.
func (r *ring[T]) tail() int {
	return (r.head - r.size + len(r.items)) % len(r.items)
}

// front returns the oldest item.
func (r *ring[T]) front() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.items[r.tail()], true
}

// popFront removes the oldest item.
func (r *ring[T]) popFront() {
	if r.size == 0 {
		return
	}
	var zero T
	r.items[r.tail()] = zero
	r.size--
}

// len returns the number of stored items.
func (r *ring[T]) len() int { return r.size }

// slice returns the items oldest first.
func (r *ring[T]) slice() []T {
	out := make([]T, r.size)
	t := r.tail()
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(t+i)%len(r.items)]
	}
	return out
}

// newestFirst returns the items newest first.
func (r *ring[T]) newestFirst() []T {
	out := r.slice()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
