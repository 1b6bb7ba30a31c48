package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/benfinklea/nofx-local-starter-sub006/internal/queue"
)

// Worker consumes the step-ready topic and executes steps through a bounded
// pool. Step failures are logged, not propagated: failure bookkeeping has
// already been persisted by the runner, and queue-level retry policy is the
// broker's concern, not ours.
type Worker struct {
	queue   queue.Queue
	runner  *Runner
	pool    *WorkerPool
	logger  *slog.Logger
	started atomic.Bool
	stopped chan struct{}
}

// NewWorker creates a Worker with the given concurrency.
func NewWorker(q queue.Queue, r *Runner, concurrency int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   q,
		runner:  r,
		pool:    NewWorkerPool(concurrency),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Start launches the consume loop. Subsequent calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.consume(ctx)
}

func (w *Worker) consume(ctx context.Context) {
	defer close(w.stopped)
	deliveries := w.queue.Subscribe(queue.TopicStepReady)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			w.dispatch(ctx, msg)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, msg queue.Message) {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	err := w.pool.Submit(ctx, func(ctx context.Context) error {
		if err := w.runner.RunStep(ctx, msg.RunID, msg.StepID, attempt); err != nil {
			w.logger.ErrorContext(ctx, "step execution failed",
				"run_id", msg.RunID, "step_id", msg.StepID,
				"attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrPoolShutdown) && !errors.Is(err, context.Canceled) {
		w.logger.ErrorContext(ctx, "failed to submit step to pool",
			"run_id", msg.RunID, "step_id", msg.StepID, "error", err)
	}
}

// Stop shuts the pool down and waits for the consume loop and all in-flight
// steps to finish. Call it after cancelling the consume context or closing
// the queue, or the loop has nothing to wake it.
func (w *Worker) Stop() {
	w.pool.Shutdown()
	if w.started.Load() {
		<-w.stopped
	}
}

// PoolMetrics exposes the pool counters.
func (w *Worker) PoolMetrics() PoolMetrics {
	return w.pool.Metrics()
}
