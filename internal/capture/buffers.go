package capture

import "sync"

// BufferRing is the fixed set of compositor buffers a session cycles through.
// A buffer is busy from Acquire until the frame built on it is released.
type BufferRing[T any] struct {
	mu    sync.Mutex
	slots []T
	busy  []bool
	drops uint64
}

// NewBufferRing creates a ring of n buffers built by alloc
func NewBufferRing[T any](n int, alloc func(i int) T) *BufferRing[T] {
	if n < 1 {
		n = 1
	}
	r := &BufferRing[T]{
		slots: make([]T, n),
		busy:  make([]bool, n),
	}
	for i := range r.slots {
		r.slots[i] = alloc(i)
	}
	return r
}

// Acquire hands out a free buffer. When every buffer is held the
// notification is counted as dropped and ok is false.
func (r *BufferRing[T]) Acquire() (idx int, buf T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, busy := range r.busy {
		if !busy {
			r.busy[i] = true
			return i, r.slots[i], true
		}
	}
	r.drops++
	var zero T
	return -1, zero, false
}

// Replace swaps the buffer at idx, e.g. after the target was resized
func (r *BufferRing[T]) Replace(idx int, buf T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[idx] = buf
}

// Release returns the buffer at idx to the ring
func (r *BufferRing[T]) Release(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= 0 && idx < len(r.busy) {
		r.busy[idx] = false
	}
}

// InUse returns the number of buffers currently held
func (r *BufferRing[T]) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, busy := range r.busy {
		if busy {
			n++
		}
	}
	return n
}

// Drops returns how many notifications found no free buffer
func (r *BufferRing[T]) Drops() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drops
}

// Each calls fn for every buffer, busy or not
func (r *BufferRing[T]) Each(fn func(T)) {
	r.mu.Lock()
	slots := append([]T(nil), r.slots...)
	r.mu.Unlock()
	for _, s := range slots {
		fn(s)
	}
}
