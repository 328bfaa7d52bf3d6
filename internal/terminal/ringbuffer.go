package terminal

import "sync"

const defaultScrollbackSize = 256 * 1024

// RingBuffer keeps the most recent output of a session so a UI that
// reconnects can repaint without replaying the whole stream.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	w    int
	full bool
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size)}
}

func (r *RingBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	if size == 0 {
		return
	}
	if len(p) >= size {
		copy(r.buf, p[len(p)-size:])
		r.w = 0
		r.full = true
		return
	}

	n := copy(r.buf[r.w:], p)
	if n < len(p) {
		r.w = copy(r.buf, p[n:])
		r.full = true
		return
	}
	r.w += n
	if r.w == size {
		r.w = 0
		r.full = true
	}
}

// Bytes returns a copy of the buffered output, oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]byte, r.w)
		copy(out, r.buf[:r.w])
		return out
	}

	out := make([]byte, len(r.buf))
	n := copy(out, r.buf[r.w:])
	copy(out[n:], r.buf[:r.w])
	return out
}
