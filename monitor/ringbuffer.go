package monitor

import (
	"github.com/sasha-s/go-deadlock"
)

// RingBuffer keeps the last size values written to it. Once full, every write replaces the
// oldest value.
type RingBuffer[T any] struct {
	len      int
	buf      []T
	writeIdx int
	size     int
	mu       deadlock.Mutex
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{
		buf:  make([]T, size),
		size: size,
	}
}

func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

// Write appends val, overwriting the oldest value when the buffer is full.
func (r *RingBuffer[T]) Write(val T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.writeIdx] = val
	r.writeIdx = (r.writeIdx + 1) % r.size
	if r.len < r.size {
		r.len++
	}
}

// Values returns the buffered values, oldest first.
func (r *RingBuffer[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	vals := make([]T, 0, r.len)
	start := (r.writeIdx - r.len + r.size) % r.size
	for i := 0; i < r.len; i++ {
		vals = append(vals, r.buf[(start+i)%r.size])
	}
	return vals
}
