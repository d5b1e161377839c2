// Package monitor implements the periodic runtime snapshot named in
// original_source/include/monitor/SystemMonitor.hpp — a feature present in
// the C++ original that the distilled spec dropped, supplemented back in
// here since nothing in the core spec's Non-goals excludes it. Unlike the
// UI fiber (out of scope as an external collaborator), the monitor runs as
// an independent goroutine that only reads counters and logs them. The
// fiber scheduler is thread-affine by contract, so the monitor never calls
// into it directly: it reads fiber population/completion counts through
// Scheduler.LoadCounts, the one value the scheduler publishes for exactly
// this kind of out-of-band observer.
package monitor

import (
	"context"
	"time"

	"github.com/farukalpay/hyperion-runtime/internal/fiber"
	"github.com/farukalpay/hyperion-runtime/internal/ghostarena"
	"github.com/farukalpay/hyperion-runtime/internal/ring"
	"github.com/farukalpay/hyperion-runtime/kernel/utils"
)

// Snapshot is one tick's worth of counters.
type Snapshot struct {
	ID            string
	FaultCount    uint64
	ResidentPages uint64
	QueueDepth    uint64
	FibersTotal   int
	FibersDone    int
}

// Run wakes every interval and logs a Snapshot until ctx is cancelled.
func Run(ctx context.Context, interval time.Duration, arena *ghostarena.Arena, queue *ring.Ring[string], sched *fiber.Scheduler, logger *utils.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := take(arena, queue, sched)
			logger.Info("runtime snapshot",
				utils.String("id", snap.ID),
				utils.Uint64("fault_count", snap.FaultCount),
				utils.Uint64("resident_pages", snap.ResidentPages),
				utils.Uint64("queue_depth", snap.QueueDepth),
				utils.Int("fibers_total", snap.FibersTotal),
				utils.Int("fibers_done", snap.FibersDone),
			)
		}
	}
}

func take(arena *ghostarena.Arena, queue *ring.Ring[string], sched *fiber.Scheduler) Snapshot {
	counts := sched.LoadCounts()

	return Snapshot{
		ID:            utils.GenerateID(),
		FaultCount:    arena.FaultCount(),
		ResidentPages: arena.ResidentPages(),
		QueueDepth:    queue.Len(),
		FibersTotal:   counts.Total,
		FibersDone:    counts.Done,
	}
}
