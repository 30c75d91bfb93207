// Package buffer holds the bounded output history replayed to clients.
package buffer

import (
	"sync"
	"unicode/utf8"
)

// RingBuffer keeps the most recent bytes written to it, up to its capacity.
// Once bytes have been dropped, reads skip a partial UTF-8 sequence at the
// front so the history can always be sent as text.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	start   int
	size    int
	dropped int64
}

// NewRingBuffer creates a RingBuffer. A non-positive capacity becomes 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes when over capacity. It never
// fails; it implements io.Writer.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	if n >= capacity {
		copy(rb.buf, p[n-capacity:])
		rb.dropped += int64(rb.size + n - capacity)
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	written := copy(rb.buf[end:], p)
	copy(rb.buf, p[written:])

	rb.size += n
	if over := rb.size - capacity; over > 0 {
		rb.start = (rb.start + over) % capacity
		rb.size = capacity
		rb.dropped += int64(over)
	}
	return n, nil
}

// Bytes returns a copy of the retained data, oldest first, or nil when empty.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	k := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[k:], rb.buf[:rb.size-k])

	if rb.dropped > 0 {
		i := 0
		for i < len(out) && i < utf8.UTFMax-1 && !utf8.RuneStart(out[i]) {
			i++
		}
		out = out[i:]
	}
	return out
}

// String returns the retained data as text.
func (rb *RingBuffer) String() string {
	return string(rb.Bytes())
}

// Reset discards the retained data.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start, rb.size, rb.dropped = 0, 0, 0
}

// Len returns the number of retained bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Dropped returns how many bytes have been discarded since the last Reset.
func (rb *RingBuffer) Dropped() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}
