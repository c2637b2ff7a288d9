package worker

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"
)

// WatchMemory sets a soft heap limit and calls onExceed once the heap grows past
// limitMB. It returns when ctx is done or after onExceed ran.
func WatchMemory(ctx context.Context, limitMB int, interval time.Duration, onExceed func(used uint64)) {
	if limitMB <= 0 {
		return
	}
	limit := uint64(limitMB) << 20
	debug.SetMemoryLimit(int64(limit))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var stats runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime.ReadMemStats(&stats)
			if stats.HeapAlloc > limit {
				onExceed(stats.HeapAlloc)
				return
			}
		}
	}
}
