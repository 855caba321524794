// Package refresher keeps market snapshots warm between requests.
package refresher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresher recomputes and caches the market snapshot for one window.
type Refresher interface {
	Refresh(ctx context.Context, window time.Duration) error
}

// Run refreshes every window once immediately and then on each tick, spreading
// the work over concurrency workers. It blocks until ctx is cancelled and all
// workers have returned.
func Run(ctx context.Context, r Refresher, windows []time.Duration, concurrency int, interval time.Duration, log *zap.Logger) {
	if concurrency < 1 || len(windows) == 0 || interval <= 0 {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	jobs := make(chan time.Duration, len(windows))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for w := range jobs {
				if err := r.Refresh(ctx, w); err != nil {
					log.Warn("snapshot refresh failed",
						zap.Int("worker", idx),
						zap.Duration("window", w),
						zap.Error(err))
				}
			}
		}(i)
	}

	dispatch := func() {
		for _, w := range windows {
			select {
			case jobs <- w:
			case <-ctx.Done():
				return
			default:
				// still busy with the previous round
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	dispatch()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case <-ticker.C:
			dispatch()
		}
	}
}
