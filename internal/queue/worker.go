package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed task. A nil return acks the task; an
// error nacks it, re-queueing under the delivery budget.
type Handler func(ctx context.Context, task *Task) error

// Worker runs a pool of goroutines draining the queue.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	poll        time.Duration
	reapEvery   time.Duration
	staleAfter  time.Duration
	logger      *slog.Logger
}

// WorkerOptions tunes the pool. Zero values fall back to defaults.
type WorkerOptions struct {
	Concurrency int
	Poll        time.Duration
	ReapEvery   time.Duration
	StaleAfter  time.Duration
}

// NewWorker creates a worker pool over the queue.
func NewWorker(q *Queue, handler Handler, opts WorkerOptions, logger *slog.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.ReapEvery <= 0 {
		opts.ReapEvery = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		concurrency: opts.Concurrency,
		poll:        opts.Poll,
		reapEvery:   opts.ReapEvery,
		staleAfter:  opts.StaleAfter,
		logger:      logger,
	}
}

// Run drains the queue until ctx is cancelled, then waits for in-flight
// tasks to finish.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := w.queue.Claim(ctx)
		if err != nil {
			w.logger.Warn("claim failed", "worker", id, "error", err)
			w.sleep(ctx, w.poll)
			continue
		}
		if task == nil {
			w.sleep(ctx, w.poll)
			continue
		}

		w.logger.Info("task claimed",
			"worker", id, "task", task.ID, "doc", task.DocumentKey, "delivery", task.Deliveries)

		if err := w.handler(ctx, task); err != nil {
			w.logger.Warn("task failed",
				"worker", id, "task", task.ID, "delivery", task.Deliveries, "error", err)
			if nackErr := w.queue.Nack(ctx, task, err); nackErr != nil {
				w.logger.Error("nack failed", "task", task.ID, "error", nackErr)
			}
			continue
		}

		if err := w.queue.Ack(ctx, task); err != nil {
			w.logger.Error("ack failed", "task", task.ID, "error", err)
		}
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := w.queue.ReapStale(ctx, w.staleAfter)
			if err != nil {
				w.logger.Warn("reap failed", "error", err)
				continue
			}
			if reaped > 0 {
				w.logger.Info("stale tasks re-queued", "count", reaped)
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
