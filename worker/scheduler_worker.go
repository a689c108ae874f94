package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"dunner/engine"
	"dunner/store"
)

// SchedulerWorker polls for due executions and feeds them to a pool of
// tick goroutines. Several worker processes may run side by side; the
// execution version column keeps their ticks from double-firing.
type SchedulerWorker struct {
	Store     store.Store
	Scheduler *engine.Scheduler
	Logger    *log.Logger

	Interval  time.Duration
	Workers   int
	BatchSize int
	Now       func() time.Time
}

func NewSchedulerWorker(st store.Store, scheduler *engine.Scheduler, logger *log.Logger, interval time.Duration, workers, batchSize int) *SchedulerWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &SchedulerWorker{
		Store:     st,
		Scheduler: scheduler,
		Logger:    logger,
		Interval:  interval,
		Workers:   workers,
		BatchSize: batchSize,
		Now:       time.Now,
	}
}

func (w *SchedulerWorker) Start(ctx context.Context) {
	w.Logger.Println("scheduler worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Println("scheduler worker shutting down...")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single poll cycle. Exposed so tests and manual
// drains can drive the pool without the ticker.
func (w *SchedulerWorker) RunOnce(ctx context.Context) {
	due, err := w.Store.ListDue(ctx, w.Now(), w.BatchSize)
	if err != nil {
		w.Logger.Printf("error listing due executions: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	jobs := make(chan uint)
	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := w.Scheduler.Tick(ctx, id); err != nil {
					w.Logger.Printf("error ticking execution %d: %v", id, err)
				}
			}
		}()
	}

	for _, exec := range due {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- exec.ID:
		}
	}
	close(jobs)
	wg.Wait()
}
