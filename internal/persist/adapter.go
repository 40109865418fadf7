// Package persist holds the durable-storage backends for log records.
// Everything here is best-effort from the pipeline's point of view: the
// in-memory path never waits on, and never fails because of, this package.
package persist

import (
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

// Adapter is the durable-store contract. Records carry unique ids, so Write
// is expected to be idempotent-friendly. All methods must be safe to call
// even when the backing store is unavailable; errors are reported, never
// panicked.
type Adapter interface {
	Write(rec *model.LogRecord) error
	Search(query string, limit int) ([]model.LogRecord, error)
	PurgeOlderThan(d time.Duration) error
	Close() error
}
