package recovery

import (
	"sync"

	"github.com/hedgesystem/closebot/internal/domain"
)

// History is a bounded, concurrency-safe failure log. When the capacity is
// reached the oldest record is evicted.
type History struct {
	mu      sync.Mutex
	cap     int
	records []domain.FailureRecord
}

// NewHistory creates a History with the given capacity. Non-positive
// capacities fall back to 100.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 100
	}
	return &History{cap: capacity}
}

// Add appends a record, evicting the oldest when full.
func (h *History) Add(r domain.FailureRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	if overflow := len(h.records) - h.cap; overflow > 0 {
		h.records = append([]domain.FailureRecord(nil), h.records[overflow:]...)
	}
}

// List returns a copy of the records, oldest first.
func (h *History) List() []domain.FailureRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.FailureRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Clear drops all records.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
}
