package persist

import (
	"context"
	"log"
	"time"
)

// RunCleaner periodically purges records beyond the retention window. It
// blocks until ctx is cancelled and is meant to run as its own goroutine.
func RunCleaner(ctx context.Context, store Adapter, interval, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Cleaner started. Retention: %v, Interval: %v", retention, interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PurgeOlderThan(retention); err != nil {
				log.Printf("Cleaner error: %v", err)
			}
		}
	}
}
