package scheduler

import (
	"context"
	"io"
	"strings"
	"time"

	"masond/pkg/bus"
)

// tickInterval is the fallback allocation cadence; bus events drive the
// common case, the timer catches anything they miss.
const tickInterval = 30 * time.Second

// Worker runs the scheduler's event loop: every queue, completion, and
// endpoint-loss event triggers an allocation pass, and a periodic tick
// sweeps up anything a missed event left behind.
type Worker struct {
	scheduler *Scheduler
	events    *bus.Bus
}

// NewWorker creates a Worker. A nil bus leaves only the timer.
func NewWorker(scheduler *Scheduler, events *bus.Bus) *Worker {
	return &Worker{scheduler: scheduler, events: events}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	wake := func(ctx context.Context, _ []byte) error {
		if err := w.scheduler.Allocate(ctx); err != nil {
			w.scheduler.log.Error().Err(err).Msg("allocation pass failed")
		}
		return nil
	}

	if w.events != nil {
		subjects := []string{
			bus.SubjectAllocate,
			bus.SubjectTaskQueued,
			bus.SubjectBuildSucceeded,
			bus.SubjectBuildFailed,
			bus.SubjectEndpointLost,
		}
		var subs []io.Closer
		for _, subject := range subjects {
			durable := "worker-" + strings.ReplaceAll(subject, ".", "-")
			sub, err := w.events.Subscribe(ctx, subject, durable, wake)
			if err != nil {
				for _, s := range subs {
					_ = s.Close()
				}
				return err
			}
			subs = append(subs, sub)
		}
		defer func() {
			for _, s := range subs {
				_ = s.Close()
			}
		}()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.scheduler.Allocate(ctx); err != nil {
				w.scheduler.log.Error().Err(err).Msg("allocation pass failed")
			}
		}
	}
}
