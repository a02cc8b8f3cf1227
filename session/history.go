package session

import (
	"sync"

	"github.com/room4-2/liverelay/gemini"
)

// History keeps the most recent upstream events of one connection in
// arrival order. When full, the oldest event is overwritten.
type History struct {
	events  []gemini.Event
	start   int
	count   int
	dropped int
	mu      sync.Mutex
}

// NewHistory creates a history holding at most limit events.
// A limit of zero disables recording.
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{events: make([]gemini.Event, limit)}
}

// Limit returns the maximum number of retained events
func (h *History) Limit() int {
	return len(h.events)
}

// Append records an event, evicting the oldest one when full
func (h *History) Append(ev gemini.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.events) == 0 {
		h.dropped++
		return
	}
	if h.count < len(h.events) {
		h.events[(h.start+h.count)%len(h.events)] = ev
		h.count++
		return
	}
	h.events[h.start] = ev
	h.start = (h.start + 1) % len(h.events)
	h.dropped++
}

// Snapshot returns the retained events, oldest first
func (h *History) Snapshot() []gemini.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]gemini.Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.events[(h.start+i)%len(h.events)])
	}
	return out
}

// Len returns the number of retained events
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Dropped returns how many events were evicted or not recorded
func (h *History) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Clear empties the history
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.events {
		h.events[i] = nil
	}
	h.start = 0
	h.count = 0
}
