package notify

import "sync"

// History is the bounded per-user recent-message buffer used for fast replay.
// Eviction is oldest-first. It is a cache, not the durability mechanism; the
// durable store owns persistence.
type History struct {
	mu      sync.Mutex
	size    int
	entries map[int64][]Message
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{
		size:    size,
		entries: make(map[int64][]Message),
	}
}

// Append records msg for userID, evicting the oldest entry at capacity.
func (h *History) Append(userID int64, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.entries[userID]
	if len(buf) >= h.size {
		buf = buf[len(buf)-h.size+1:]
	}
	h.entries[userID] = append(buf, msg)
}

// ForUser returns the buffered messages for userID in insertion order.
func (h *History) ForUser(userID int64) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.entries[userID]
	out := make([]Message, len(buf))
	copy(out, buf)
	return out
}

// Drop discards the buffer for userID.
func (h *History) Drop(userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, userID)
}
