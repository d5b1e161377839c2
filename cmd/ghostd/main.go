// Command ghostd wires the four core subsystems and the document pipeline
// together into one runnable process: a fiber scheduler (with a UI fiber
// and an input-ingest fiber) on the main OS thread, a worker OS thread
// draining the SPSC ring into the Ghost Arena, and a runtime monitor
// goroutine logging periodic snapshots.
package main

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/farukalpay/hyperion-runtime/internal/config"
	"github.com/farukalpay/hyperion-runtime/internal/fiber"
	"github.com/farukalpay/hyperion-runtime/internal/ghostarena"
	"github.com/farukalpay/hyperion-runtime/internal/monitor"
	"github.com/farukalpay/hyperion-runtime/internal/pipeline"
	"github.com/farukalpay/hyperion-runtime/internal/ring"
	"github.com/farukalpay/hyperion-runtime/kernel/utils"
)

func main() {
	cfg := config.FromEnv()
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     cfg.LogLevel,
		Component: "ghostd",
		Output:    os.Stdout,
		Colorize:  true,
	})

	arena, err := ghostarena.Open(cfg.ArenaSize)
	if err != nil {
		logger.Fatal("failed to open ghost arena", utils.Err(err))
	}

	shutdown := utils.NewGracefulShutdown(10*time.Second, logger)
	shutdown.Register(arena.Close)

	queue := ring.New[string](cfg.RingCapacity)

	pool, err := fiber.NewStackPool(cfg.FiberStackCap)
	if err != nil {
		logger.Fatal("failed to create fiber stack pool", utils.Err(err))
	}
	shutdown.Register(pool.Close)
	sched := fiber.NewScheduler(pool)

	ctx, cancel := context.WithCancel(context.Background())
	shutdown.Register(func() error { cancel(); return nil })

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		runWorker(gctx, queue, arena, logger.With("worker"))
		return nil
	})

	group.Go(func() error {
		monitor.Run(gctx, time.Second, arena, queue, sched, logger.With("monitor"))
		return nil
	})

	runFibers(gctx, sched, queue, logger.With("scheduler"))

	cancel()
	_ = group.Wait()

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown did not complete cleanly", utils.Err(err))
	}
}

// runFibers pins the calling goroutine to its OS thread and runs the
// cooperative scheduler: a UI fiber that logs a heartbeat, and an
// input-ingest fiber that feeds stdin lines into the SPSC queue.
func runFibers(ctx context.Context, sched *fiber.Scheduler, queue *ring.Ring[string], logger *utils.Logger) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sched.Init()

	_, err := sched.Spawn("ui", func() {
		for ctx.Err() == nil {
			logger.Debug("ui heartbeat")
			sched.Yield()
		}
	})
	if err != nil {
		logger.Fatal("failed to spawn ui fiber", utils.Err(err))
	}

	_, err = sched.Spawn("ingest", func() {
		scanner := bufio.NewScanner(os.Stdin)
		for ctx.Err() == nil && scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				for !queue.Push(line) {
					sched.Yield()
				}
			}
			sched.Yield()
		}
	})
	if err != nil {
		logger.Fatal("failed to spawn ingest fiber", utils.Err(err))
	}

	for ctx.Err() == nil {
		sched.Run(1)
	}
}

// runWorker consumes the SPSC queue on its own OS thread and drives the
// document pipeline, appending each line's record into the Ghost Arena.
func runWorker(ctx context.Context, queue *ring.Ring[string], arena *ghostarena.Arena, logger *utils.Logger) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		text, ok := queue.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}

		if err := pipeline.AppendRecord(arena, text); err != nil {
			logger.Error("failed to append record", utils.Err(err))
		}
	}
}
