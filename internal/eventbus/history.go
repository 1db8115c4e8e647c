package eventbus

import (
	"sync"
)

// History is a fixed-size ring of recently published events, kept for
// diagnostics and tests. When full, the oldest event is overwritten.
type History struct {
	mu   sync.RWMutex
	buf  []Event
	head int
	full bool
}

// NewHistory creates a ring holding up to size events (256 if <= 0).
func NewHistory(size int) *History {
	if size <= 0 {
		size = 256
	}
	return &History{buf: make([]Event, size)}
}

// Append records an event, overwriting the oldest when full.
func (h *History) Append(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.head] = ev
	h.head = (h.head + 1) % len(h.buf)
	if h.head == 0 {
		h.full = true
	}
}

// Events returns the retained events, oldest first.
func (h *History) Events() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]Event, h.head)
		copy(out, h.buf[:h.head])
		return out
	}
	out := make([]Event, 0, len(h.buf))
	out = append(out, h.buf[h.head:]...)
	out = append(out, h.buf[:h.head]...)
	return out
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.head
}

// Capacity returns the maximum number of retained events.
func (h *History) Capacity() int {
	return len(h.buf)
}
