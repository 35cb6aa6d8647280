package events

import (
	"sync"
	"time"
)

// EntryType distinguishes emissions from listener failures in the history.
type EntryType string

const (
	EntryEmitted EntryType = "emitted"
	EntryError   EntryType = "error"
)

// Entry is a diagnostic record. The history is never authoritative.
type Entry struct {
	Event   string    `json:"event"`
	Type    EntryType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// history is a fixed-capacity ring buffer; the oldest entry is evicted first.
type history struct {
	mu    sync.Mutex
	buf   []Entry
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Entry, capacity)}
}

func (h *history) add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := (h.start + h.size) % len(h.buf)
	h.buf[idx] = e
	if h.size < len(h.buf) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.buf)
}

// last returns up to n newest entries, oldest first. n <= 0 returns all.
func (h *history) last(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]Entry, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start, h.size = 0, 0
	clear(h.buf)
}
