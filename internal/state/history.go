package state

import (
	"sync"
	"time"

	"github.com/vyuha/cellscope/internal/codec"
)

// ---------------------------------------------------------------------------
// HistoryLog: bounded FIFO record of recent cell changes
// ---------------------------------------------------------------------------

// EventType labels one lifecycle transition of a cell.
type EventType string

const (
	EventAdded    EventType = "added"
	EventUpdated  EventType = "updated"
	EventDisposed EventType = "disposed"
)

// ChangeEvent is one recorded transition. Added events carry a null
// Previous; Disposed events carry a null Next.
type ChangeEvent struct {
	Type      EventType   `json:"type"`
	CellName  string      `json:"cell_name"`
	Timestamp time.Time   `json:"timestamp"`
	Previous  codec.Value `json:"previous"`
	Next      codec.Value `json:"next"`
}

// DefaultHistoryCapacity is how many change events the log retains before
// evicting the oldest.
const DefaultHistoryCapacity = 100

// HistoryLog is a fixed-capacity ring of ChangeEvents. Once full, each
// append evicts the oldest entry. All methods are safe for concurrent use.
type HistoryLog struct {
	mu   sync.RWMutex
	buf  []ChangeEvent
	head int // index of the oldest entry
	size int
}

// NewHistoryLog creates a log with the given capacity. Capacities below 1
// fall back to DefaultHistoryCapacity.
func NewHistoryLog(capacity int) *HistoryLog {
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryLog{buf: make([]ChangeEvent, capacity)}
}

// Append records one event, evicting the oldest entry when full.
func (h *HistoryLog) Append(e ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < len(h.buf) {
		h.buf[(h.head+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.head] = e
	h.head = (h.head + 1) % len(h.buf)
}

// Len returns how many events are currently retained.
func (h *HistoryLog) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Capacity returns the maximum number of retained events.
func (h *HistoryLog) Capacity() int {
	return len(h.buf)
}

// Events returns the retained events oldest first.
func (h *HistoryLog) Events() []ChangeEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ChangeEvent, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

// Last returns up to n events, newest first. n <= 0 returns nil.
func (h *HistoryLog) Last(n int) []ChangeEvent {
	if n <= 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n > h.size {
		n = h.size
	}
	out := make([]ChangeEvent, n)
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.head+h.size-1-i)%len(h.buf)]
	}
	return out
}

// ForCell returns up to limit events for one cell, newest first. A limit
// <= 0 means no limit.
func (h *HistoryLog) ForCell(name string, limit int) []ChangeEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []ChangeEvent
	for i := h.size - 1; i >= 0; i-- {
		e := h.buf[(h.head+i)%len(h.buf)]
		if e.CellName != name {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LastTimestamp returns the timestamp of the newest event and true, or a
// zero time and false when the log is empty.
func (h *HistoryLog) LastTimestamp() (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return time.Time{}, false
	}
	return h.buf[(h.head+h.size-1)%len(h.buf)].Timestamp, true
}

// Clear drops every retained event.
func (h *HistoryLog) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = 0
	h.size = 0
}
