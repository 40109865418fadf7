package buffer

import (
	"sync"

	"github.com/opsrelay/opsrelay/internal/model"
)

// Ring is a fixed-capacity store of the most recent log records. When full,
// Append evicts the single oldest record (strict FIFO). All access goes
// through one mutex; readers get copies, never views into the backing array.
type Ring struct {
	mu    sync.RWMutex
	buf   []model.LogRecord
	head  int // index of the oldest record
	count int
}

// NewRing creates a ring with the given capacity. Capacity must be positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		buf: make([]model.LogRecord, capacity),
	}
}

// Append inserts a record, evicting the oldest when at capacity. O(1).
func (r *Ring) Append(rec model.LogRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = rec
		r.count++
		return
	}

	// Full: overwrite the oldest slot and advance head.
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of buffered records.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the fixed capacity.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Snapshot returns up to limit of the most recent records in insertion order
// (oldest first, most recent last). limit <= 0 means all buffered records.
func (r *Ring) Snapshot(limit int) []model.LogRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]model.LogRecord, 0, n)
	// Skip the oldest records when limit trims the window.
	start := r.count - n
	for i := start; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Filtered returns up to limit records matching pred, in insertion order.
// The predicate runs under the read lock and must not block.
func (r *Ring) Filtered(pred func(*model.LogRecord) bool, limit int) []model.LogRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.LogRecord
	for i := 0; i < r.count; i++ {
		rec := r.buf[(r.head+i)%len(r.buf)]
		if pred != nil && !pred(&rec) {
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
