// Package buffer provides a bounded writer that keeps only the newest bytes.
package buffer

import "sync"

// Tail is an io.Writer retaining the last Cap() bytes written to it.
// It is safe for concurrent use.
type Tail struct {
	mu        sync.Mutex
	buf       []byte
	start     int
	size      int
	truncated bool
}

// NewTail creates a Tail holding at most capacity bytes (minimum 1).
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tail{buf: make([]byte, capacity)}
}

// Write stores p, discarding the oldest bytes when full. It never fails.
func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if n >= len(t.buf) {
		t.truncated = t.truncated || t.size > 0 || n > len(t.buf)
		copy(t.buf, p[n-len(t.buf):])
		t.start = 0
		t.size = len(t.buf)
		return n, nil
	}

	for _, b := range p {
		end := (t.start + t.size) % len(t.buf)
		t.buf[end] = b
		if t.size < len(t.buf) {
			t.size++
		} else {
			t.start = (t.start + 1) % len(t.buf)
			t.truncated = true
		}
	}
	return n, nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (t *Tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size == 0 {
		return nil
	}
	out := make([]byte, t.size)
	first := copy(out, t.buf[t.start:min(t.start+t.size, len(t.buf))])
	copy(out[first:], t.buf[:t.size-first])
	return out
}

// String returns the retained bytes, prefixed with "..." if any were dropped.
func (t *Tail) String() string {
	b := t.Bytes()
	if t.Truncated() {
		return "..." + string(b)
	}
	return string(b)
}

// Truncated reports whether any written byte has been discarded.
func (t *Tail) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.truncated
}

// Len returns the number of retained bytes.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Cap returns the capacity.
func (t *Tail) Cap() int {
	return len(t.buf)
}
