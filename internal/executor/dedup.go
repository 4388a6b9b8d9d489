package executor

import (
	"sync"
	"time"
)

// Dedup tracks close requests the terminal has already accepted, so a replayed
// command cannot close twice. Entries are marked only after a successful round
// trip; a failed attempt leaves no entry, which lets the recovery engine
// resubmit the same request ID. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // request ID -> time of successful submission
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers a request a duplicate if
// it was marked within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen reports whether the request ID was marked within the TTL window.
func (d *Dedup) Seen(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	marked, ok := d.seen[requestID]
	return ok && time.Since(marked) < d.ttl
}

// Mark records the request ID, starting its TTL window. Call it after the
// terminal accepted the command, never before.
func (d *Dedup) Mark(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[requestID] = time.Now()
}

// Cleanup removes entries that have expired beyond the TTL. Call it
// periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
